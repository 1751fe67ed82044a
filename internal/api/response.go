package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"shiftbot/internal/shift"
)

func RespondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func RespondWithError(w http.ResponseWriter, status int, message string) {
	RespondWithJSON(w, status, map[string]string{"error": message})
}

// respondWithShiftError maps engine errors to statuses.
func respondWithShiftError(w http.ResponseWriter, err error) {
	var (
		ce *shift.ConflictError
		se *shift.StaleResourceError
	)
	switch {
	case errors.Is(err, shift.ErrNotFound):
		RespondWithError(w, http.StatusNotFound, "shift not found")
	case errors.Is(err, shift.ErrInvalid):
		RespondWithError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &ce):
		RespondWithError(w, http.StatusConflict, ce.Error())
	case errors.As(err, &se):
		if se.Reason == shift.ReasonPromptExpired {
			RespondWithError(w, http.StatusGone, se.Error())
			return
		}
		RespondWithError(w, http.StatusConflict, se.Error())
	default:
		RespondWithError(w, http.StatusInternalServerError, "internal error")
	}
}
