package routes

import (
	"errors"
	"net/http"
	"time"

	"paychat/storage"
)

type agentRequest struct {
	Name             string   `json:"name" validate:"required,max=128"`
	SystemPrompt     string   `json:"systemPrompt" validate:"required"`
	Model            string   `json:"model" validate:"required,max=64"`
	Temperature      *float64 `json:"temperature" validate:"omitempty,gte=0,lte=2"`
	MaxTokens        *int     `json:"maxTokens" validate:"omitempty,gte=1,lte=4096"`
	FrequencyPenalty *float64 `json:"frequencyPenalty" validate:"omitempty,gte=-2,lte=2"`
	PresencePenalty  *float64 `json:"presencePenalty" validate:"omitempty,gte=-2,lte=2"`
}

type createChallengeRequest struct {
	Title       string       `json:"title" validate:"required,max=200"`
	Description string       `json:"description" validate:"required"`
	IsActive    *bool        `json:"isActive"`
	StartDate   *time.Time   `json:"startDate"`
	EndDate     time.Time    `json:"endDate"`
	Agent       agentRequest `json:"agent"`
}

func (req createChallengeRequest) challenge(now time.Time) storage.Challenge {
	ch := storage.Challenge{
		Title:       req.Title,
		Description: req.Description,
		IsActive:    true,
		StartDate:   now.UTC(),
		EndDate:     req.EndDate.UTC(),
		Persona: storage.Persona{
			Name:             req.Agent.Name,
			SystemPrompt:     req.Agent.SystemPrompt,
			Model:            req.Agent.Model,
			Temperature:      storage.DefaultTemperature,
			MaxTokens:        storage.DefaultMaxTokens,
			FrequencyPenalty: storage.DefaultFrequencyPenalty,
			PresencePenalty:  storage.DefaultPresencePenalty,
		},
	}
	if req.IsActive != nil {
		ch.IsActive = *req.IsActive
	}
	if req.StartDate != nil {
		ch.StartDate = req.StartDate.UTC()
	}
	if req.Agent.Temperature != nil {
		ch.Persona.Temperature = *req.Agent.Temperature
	}
	if req.Agent.MaxTokens != nil {
		ch.Persona.MaxTokens = *req.Agent.MaxTokens
	}
	if req.Agent.FrequencyPenalty != nil {
		ch.Persona.FrequencyPenalty = *req.Agent.FrequencyPenalty
	}
	if req.Agent.PresencePenalty != nil {
		ch.Persona.PresencePenalty = *req.Agent.PresencePenalty
	}
	return ch
}

func (a *api) createChallenge(w http.ResponseWriter, r *http.Request) {
	var req createChallengeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Validation error", "Malformed request body")
		return
	}
	if fields := a.validate.Struct(req); fields != nil {
		writeValidation(w, "Missing or invalid fields", fields)
		return
	}
	ch := req.challenge(a.now())
	if req.EndDate.IsZero() {
		writeValidation(w, "Missing or invalid fields", map[string]string{"endDate": "is required"})
		return
	}
	if !ch.EndDate.After(ch.StartDate) {
		writeValidation(w, "Missing or invalid fields", map[string]string{"endDate": "must be after startDate"})
		return
	}

	created, err := a.store.CreateChallenge(r.Context(), ch)
	if err != nil {
		if errors.Is(err, storage.ErrChallengeExists) {
			writeError(w, http.StatusConflict, "Challenge exists", "An active challenge with this title already exists")
			return
		}
		a.logger.Error("create challenge failed", "title", req.Title, "error", err)
		writeInternalError(w, "Failed to create challenge")
		return
	}
	a.logger.Info("challenge created", "challenge_id", created.ID, "title", created.Title, "end_date", created.EndDate)
	writeJSON(w, http.StatusCreated, created)
}

type endDateResponse struct {
	EndDate  *time.Time `json:"endDate"`
	Extended *bool      `json:"extended,omitempty"`
}

// endDate reports the active challenge's end, falling back to the latest challenge.
func (a *api) endDate(w http.ResponseWriter, r *http.Request) {
	ch, err := a.store.ActiveChallenge(r.Context())
	if errors.Is(err, storage.ErrNoActiveChallenge) {
		ch, err = a.store.LatestChallenge(r.Context())
	}
	switch {
	case errors.Is(err, storage.ErrChallengeNotFound):
		writeJSON(w, http.StatusOK, endDateResponse{})
		return
	case err != nil:
		a.logger.Error("load challenge end date failed", "error", err)
		writeInternalError(w, "Failed to fetch active challenge")
		return
	}
	end := ch.EndDate.UTC()
	writeJSON(w, http.StatusOK, endDateResponse{EndDate: &end})
}

// extendChallenge pushes the active challenge out by the configured step. With
// ifWithin it only extends when the end date is inside that closing window.
func (a *api) extendChallenge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if raw := r.URL.Query().Get("ifWithin"); raw != "" {
		window, err := time.ParseDuration(raw)
		if err != nil || window <= 0 {
			writeValidation(w, "ifWithin must be a positive duration", map[string]string{"ifWithin": "is invalid"})
			return
		}
		ch, err := a.store.ActiveChallenge(ctx)
		if err != nil {
			a.writeChallengeLookupError(w, err)
			return
		}
		if !storage.ExtensionDue(ch.EndDate, a.now(), window) {
			end, extended := ch.EndDate.UTC(), false
			writeJSON(w, http.StatusOK, endDateResponse{EndDate: &end, Extended: &extended})
			return
		}
	}
	ch, err := a.store.ExtendActiveChallenge(ctx, a.extendBy)
	if err != nil {
		a.writeChallengeLookupError(w, err)
		return
	}
	a.logger.Info("challenge extended", "challenge_id", ch.ID, "end_date", ch.EndDate)
	end, extended := ch.EndDate.UTC(), true
	writeJSON(w, http.StatusOK, endDateResponse{EndDate: &end, Extended: &extended})
}

func (a *api) writeChallengeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNoActiveChallenge) {
		writeError(w, http.StatusNotFound, "No active challenge found", "")
		return
	}
	a.logger.Error("extend challenge failed", "error", err)
	writeInternalError(w, "Failed to extend challenge")
}

func (a *api) isActive(w http.ResponseWriter, r *http.Request) {
	ch, err := a.store.LatestChallenge(r.Context())
	switch {
	case errors.Is(err, storage.ErrChallengeNotFound):
		writeJSON(w, http.StatusOK, map[string]bool{"isActive": false})
		return
	case err != nil:
		a.logger.Error("load latest challenge failed", "error", err)
		writeInternalError(w, "Failed to fetch active challenge")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"isActive": ch.IsActive})
}
