package models

// User is the minimal shape the core needs of a user. Authentication, RBAC,
// and profile fields live in the out-of-scope identity service; the core
// only needs an id, an admin flag for ownership checks (§4.8 Forbidden), and
// a per-user reminder_hours override (§6 Configuration).
type User struct {
	ID            int64
	IsAdmin       bool
	ReminderHours int
}
