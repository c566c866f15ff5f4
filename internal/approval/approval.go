// Package approval implements the two-step commit for bookings on
// approval-gated resources (§4.11): a Reservation sits in
// pending_approval until the resource's designated approver accepts or
// rejects it, or the requester withdraws it.
package approval

import (
	"context"
	"errors"
	"fmt"

	"resourcereserver/internal/allocator"
	"resourcereserver/internal/apperr"
	"resourcereserver/internal/clock"
	"resourcereserver/internal/events"
	"resourcereserver/internal/models"
	"resourcereserver/internal/notifier"
	"resourcereserver/internal/resourcemgr"
	"resourcereserver/internal/socket"
	"resourcereserver/internal/store"
)

// Coordinator owns the ApprovalRequest lifecycle.
type Coordinator struct {
	store     store.Store
	clock     clock.Clock
	bus       *events.Bus
	resources *resourcemgr.Manager
	notify    *notifier.Notifier
	sockets   *socket.Hub
}

// New builds a Coordinator.
func New(s store.Store, clk clock.Clock, bus *events.Bus, resources *resourcemgr.Manager, notify *notifier.Notifier, sockets *socket.Hub) *Coordinator {
	return &Coordinator{store: s, clock: clk, bus: bus, resources: resources, notify: notify, sockets: sockets}
}

// RequestApproval creates the ApprovalRequest row for a reservation the
// Allocator has already inserted as pending_approval, and notifies the
// resource's designated approver. Called by the Allocator immediately
// after it commits a pending_approval reservation (§4.11 steps 1-3).
func (c *Coordinator) RequestApproval(ctx context.Context, reservationID, resourceID int64, requestMessage string) error {
	var approverID int64
	var result *models.ApprovalRequest

	err := c.store.WithTx(ctx, func(tx store.Tx) error {
		resource, err := tx.GetResource(ctx, resourceID)
		if err != nil {
			if err == store.ErrNotFound {
				return apperr.NotFound("resource %d not found", resourceID)
			}
			return err
		}
		if resource.DefaultApproverID == nil {
			return apperr.NoApproverConfigured("resource %d has no default approver configured", resourceID)
		}
		approverID = *resource.DefaultApproverID

		req := &models.ApprovalRequest{
			ReservationID:  reservationID,
			ApproverID:     approverID,
			Status:         models.ApprovalPending,
			RequestMessage: requestMessage,
			CreatedAt:      c.clock.Now(),
		}
		if err := tx.CreateApprovalRequest(ctx, req); err != nil {
			return err
		}
		result = req
		return nil
	})
	if err != nil {
		return wrapNonAppErr(err, "approval: create request")
	}

	if _, err := c.notify.Notify(ctx, approverID, models.NotificationSystemAnnouncement,
		"Approval Request", fmt.Sprintf("a reservation is awaiting your approval (request #%d)", result.ID),
		fmt.Sprintf("/approvals/%d", result.ID)); err != nil {
		return nil
	}
	c.sockets.SendToUser(approverID, socket.Message{
		Type: "approval_request",
		Data: map[string]any{"approval_id": result.ID, "reservation_id": reservationID},
	})
	return nil
}

// Approve accepts a pending request (§4.11). If a conflicting active
// reservation was booked while the request was pending, the request and
// reservation are rejected instead, with an automatic reason.
func (c *Coordinator) Approve(ctx context.Context, approverID, requestID int64, responseMessage string) (*models.ApprovalRequest, error) {
	now := c.clock.Now()
	var result *models.ApprovalRequest
	var requesterID, resourceID int64
	var autoRejected bool

	err := c.store.WithTx(ctx, func(tx store.Tx) error {
		req, err := tx.GetApprovalRequest(ctx, requestID)
		if err != nil {
			if err == store.ErrNotFound {
				return apperr.NotFound("approval request %d not found", requestID)
			}
			return err
		}
		if req.ApproverID != approverID {
			return apperr.Forbidden("caller is not the designated approver for request %d", requestID)
		}
		if req.IsTerminal() {
			return apperr.AlreadyResolved("approval request %d already %s", requestID, req.Status)
		}

		reservation, err := tx.GetReservation(ctx, req.ReservationID)
		if err != nil {
			return err
		}
		if err := tx.LockResource(ctx, reservation.ResourceID); err != nil {
			return err
		}

		requesterID = reservation.UserID
		resourceID = reservation.ResourceID

		if conflictErr := allocator.CheckConflicts(ctx, tx, reservation.ResourceID, reservation.Start, reservation.End); conflictErr != nil {
			req.Status = models.ApprovalRejected
			req.ResponseMessage = "conflict on approval"
			req.RespondedAt = &now
			if err := tx.UpdateApprovalRequest(ctx, req); err != nil {
				return err
			}

			reservation.Status = models.ReservationRejected
			if err := tx.UpdateReservation(ctx, reservation); err != nil {
				return err
			}
			if err := tx.CreateAuditEntry(ctx, &models.AuditEntry{
				ReservationID: reservation.ID,
				Message:       "rejected: conflict on approval",
				CreatedAt:     now,
			}); err != nil {
				return err
			}

			autoRejected = true
			result = req
			return nil
		}

		req.Status = models.ApprovalApproved
		req.ResponseMessage = responseMessage
		req.RespondedAt = &now
		if err := tx.UpdateApprovalRequest(ctx, req); err != nil {
			return err
		}

		reservation.Status = models.ReservationActive
		if err := tx.UpdateReservation(ctx, reservation); err != nil {
			return err
		}
		if err := tx.CreateAuditEntry(ctx, &models.AuditEntry{
			ReservationID: reservation.ID,
			Message:       "approved",
			CreatedAt:     now,
		}); err != nil {
			return err
		}
		if err := c.resources.RecomputeInTx(ctx, tx, reservation.ResourceID); err != nil {
			return err
		}

		result = req
		return nil
	})
	if err != nil {
		return nil, wrapNonAppErr(err, "approval: approve")
	}

	if autoRejected {
		c.bus.Publish(events.ReservationCancelled, map[string]any{
			"reservation_id": result.ReservationID, "resource_id": resourceID, "reason": "conflict on approval",
		})
		c.notifyRequester(ctx, requesterID, resourceID, result.ReservationID, false, "conflict on approval")
		return result, nil
	}

	c.bus.Publish(events.ReservationUpdated, map[string]any{
		"reservation_id": result.ReservationID, "resource_id": resourceID, "status": string(models.ReservationActive),
	})
	c.notifyRequester(ctx, requesterID, resourceID, result.ReservationID, true, "")
	return result, nil
}

// Reject declines a pending request (§4.11): symmetric to Approve without
// the conflict re-check.
func (c *Coordinator) Reject(ctx context.Context, approverID, requestID int64, responseMessage string) (*models.ApprovalRequest, error) {
	now := c.clock.Now()
	var result *models.ApprovalRequest
	var requesterID, resourceID int64

	err := c.store.WithTx(ctx, func(tx store.Tx) error {
		req, err := tx.GetApprovalRequest(ctx, requestID)
		if err != nil {
			if err == store.ErrNotFound {
				return apperr.NotFound("approval request %d not found", requestID)
			}
			return err
		}
		if req.ApproverID != approverID {
			return apperr.Forbidden("caller is not the designated approver for request %d", requestID)
		}
		if req.IsTerminal() {
			return apperr.AlreadyResolved("approval request %d already %s", requestID, req.Status)
		}

		reservation, err := tx.GetReservation(ctx, req.ReservationID)
		if err != nil {
			return err
		}
		requesterID = reservation.UserID
		resourceID = reservation.ResourceID

		req.Status = models.ApprovalRejected
		req.ResponseMessage = responseMessage
		req.RespondedAt = &now
		if err := tx.UpdateApprovalRequest(ctx, req); err != nil {
			return err
		}

		reservation.Status = models.ReservationRejected
		if err := tx.UpdateReservation(ctx, reservation); err != nil {
			return err
		}
		msg := "rejected"
		if responseMessage != "" {
			msg = fmt.Sprintf("rejected: %s", responseMessage)
		}
		if err := tx.CreateAuditEntry(ctx, &models.AuditEntry{
			ReservationID: reservation.ID,
			Message:       msg,
			CreatedAt:     now,
		}); err != nil {
			return err
		}

		result = req
		return nil
	})
	if err != nil {
		return nil, wrapNonAppErr(err, "approval: reject")
	}

	c.bus.Publish(events.ReservationCancelled, map[string]any{
		"reservation_id": result.ReservationID, "resource_id": resourceID, "reason": responseMessage,
	})
	c.notifyRequester(ctx, requesterID, resourceID, result.ReservationID, false, responseMessage)
	return result, nil
}

// CancelPending withdraws a request while it is still pending, at the
// requester's initiative (§4.11): the reservation is cancelled, not
// rejected.
func (c *Coordinator) CancelPending(ctx context.Context, requesterID, requestID int64) (*models.ApprovalRequest, error) {
	now := c.clock.Now()
	var result *models.ApprovalRequest
	var resourceID int64

	err := c.store.WithTx(ctx, func(tx store.Tx) error {
		req, err := tx.GetApprovalRequest(ctx, requestID)
		if err != nil {
			if err == store.ErrNotFound {
				return apperr.NotFound("approval request %d not found", requestID)
			}
			return err
		}

		reservation, err := tx.GetReservation(ctx, req.ReservationID)
		if err != nil {
			return err
		}
		if reservation.UserID != requesterID {
			return apperr.Forbidden("cannot cancel another user's pending request")
		}
		if req.IsTerminal() {
			return apperr.AlreadyResolved("approval request %d already %s", requestID, req.Status)
		}

		req.Status = models.ApprovalRejected
		req.ResponseMessage = "cancelled by requester"
		req.RespondedAt = &now
		if err := tx.UpdateApprovalRequest(ctx, req); err != nil {
			return err
		}

		reservation.Status = models.ReservationCancelled
		reservation.CancelledAt = &now
		reservation.CancellationReason = "cancelled pending approval"
		if err := tx.UpdateReservation(ctx, reservation); err != nil {
			return err
		}
		if err := tx.CreateAuditEntry(ctx, &models.AuditEntry{
			ReservationID: reservation.ID,
			Message:       "cancelled pending approval",
			CreatedAt:     now,
		}); err != nil {
			return err
		}

		resourceID = reservation.ResourceID
		result = req
		return nil
	})
	if err != nil {
		return nil, wrapNonAppErr(err, "approval: cancel pending")
	}

	c.bus.Publish(events.ReservationCancelled, map[string]any{
		"reservation_id": result.ReservationID, "resource_id": resourceID, "reason": "cancelled pending approval",
	})
	return result, nil
}

func (c *Coordinator) notifyRequester(ctx context.Context, userID, resourceID, reservationID int64, approved bool, reason string) {
	title, message, notifType := "Reservation Approved", "your reservation has been approved", models.NotificationReservationConfirmed
	if !approved {
		notifType = models.NotificationReservationCancelled
		title = "Reservation Rejected"
		message = "your reservation was rejected"
		if reason != "" {
			message = fmt.Sprintf("%s: %s", message, reason)
		}
	}

	link := fmt.Sprintf("/reservations/%d", reservationID)
	if _, err := c.notify.Notify(ctx, userID, notifType, title, message, link); err != nil {
		return
	}
	socketType := "reservation_rejected"
	if approved {
		socketType = "reservation_approved"
	}
	c.sockets.SendToUser(userID, socket.Message{
		Type: socketType,
		Data: map[string]any{"reservation_id": reservationID, "resource_id": resourceID},
	})
}

// wrapNonAppErr leaves apperr-typed errors untouched and wraps anything else
// as a StoreFailure, per the propagation policy in spec.md §7.
func wrapNonAppErr(err error, msg string) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	var conflictErr *apperr.ConflictError
	if errors.As(err, &appErr) || errors.As(err, &conflictErr) {
		return err
	}
	return apperr.Store(err, "%s", msg)
}
