package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/barbershop-chat-scheduling/internal/appointment"
	"github.com/hackgods/barbershop-chat-scheduling/internal/conversation"
	"github.com/hackgods/barbershop-chat-scheduling/internal/credentials"
	redisclient "github.com/hackgods/barbershop-chat-scheduling/internal/redis"
)

const oauthStateCookie = "oauth_state"

func messageWebhookHandler(messages MessageSubmitter, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req InboundMessage
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		if conversation.IsBroadcastSender(req.From) {
			writeJSON(w, http.StatusAccepted, IgnoredResponse{Status: "ignored"})
			return
		}

		customerID := conversation.CustomerIDFromSender(req.From)
		if customerID == "" {
			writeError(w, http.StatusBadRequest, "invalid_sender", "from must contain a phone number")
			return
		}

		reply, err := messages.Submit(r.Context(), conversation.Message{
			SenderID:    customerID,
			DisplayName: req.Name,
			Text:        req.Body,
			ReceivedAt:  time.Now(),
		})
		if err != nil {
			handleMessageError(w, err, customerID, logger)
			return
		}

		writeJSON(w, http.StatusOK, MessageResponse{
			To:      req.From,
			Text:    reply.Text,
			Notices: reply.Notices,
		})
	}
}

func handleMessageError(w http.ResponseWriter, err error, customerID string, logger *zap.Logger) {
	switch {
	case errors.Is(err, credentials.ErrNotConnected):
		logger.Error("tenant calendar not connected", zap.String("customer_id", customerID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "calendar_not_connected", "the shop calendar is not connected")
	case errors.Is(err, redisclient.ErrLockNotAcquired):
		writeError(w, http.StatusConflict, "customer_busy", "a previous message is still being processed, please retry shortly")
	default:
		logger.Error("message handling failed", zap.String("customer_id", customerID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func getAppointmentHandler(svc AppointmentReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		rec, err := svc.GetAppointment(r.Context(), id)
		if err != nil {
			if errors.Is(err, appointment.ErrAppointmentNotFound) {
				writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(*rec))
	}
}

func listCustomerAppointmentsHandler(svc AppointmentReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		customerID := conversation.CustomerIDFromSender(chi.URLParam(r, "customerID"))
		if customerID == "" {
			writeError(w, http.StatusBadRequest, "invalid_customer_id", "customer id must contain digits")
			return
		}

		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
				return
			}
			limit = n
		}

		records, err := svc.ListUpcoming(r.Context(), customerID, time.Now(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		resp := make([]AppointmentResponse, 0, len(records))
		for _, rec := range records {
			resp = append(resp, toAppointmentResponse(rec))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func startOAuthHandler(conn OAuthConnector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := uuid.NewString()
		http.SetCookie(w, &http.Cookie{
			Name:     oauthStateCookie,
			Value:    state,
			Path:     "/",
			MaxAge:   600,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
		http.Redirect(w, r, conn.AuthURL(state), http.StatusFound)
	}
}

func oauthCallbackHandler(conn OAuthConnector, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(oauthStateCookie)
		if err != nil || cookie.Value == "" || cookie.Value != r.URL.Query().Get("state") {
			writeError(w, http.StatusBadRequest, "invalid_state", "oauth state mismatch, start again at /auth/google")
			return
		}

		code := r.URL.Query().Get("code")
		if code == "" {
			writeError(w, http.StatusBadRequest, "missing_code", "no authorization code received")
			return
		}

		if err := conn.Exchange(r.Context(), code); err != nil {
			if errors.Is(err, credentials.ErrNoRefreshToken) {
				writeError(w, http.StatusBadRequest, "no_refresh_token",
					"google did not return a refresh token; remove the app at https://myaccount.google.com/permissions and try again")
				return
			}
			logger.Error("oauth exchange failed", zap.Error(err))
			writeError(w, http.StatusBadGateway, "oauth_exchange_failed", err.Error())
			return
		}

		logger.Info("google calendar connected")
		writeJSON(w, http.StatusOK, map[string]string{"status": "connected"})
	}
}

func toAppointmentResponse(rec appointment.Record) AppointmentResponse {
	return AppointmentResponse{
		ID:              rec.ID,
		CustomerID:      rec.CustomerID,
		Date:            rec.Date.ISO(),
		Time:            rec.Time.String(),
		Start:           rec.Start,
		End:             rec.End,
		ExternalEventID: rec.ExternalEventID,
		Status:          string(rec.Status),
		CreatedAt:       rec.CreatedAt,
		CancelledAt:     rec.CancelledAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
