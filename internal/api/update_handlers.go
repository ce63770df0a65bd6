package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/vrsandeep/updatekit/internal/host"
	"github.com/vrsandeep/updatekit/internal/models"
	"github.com/vrsandeep/updatekit/internal/notes"
	"github.com/vrsandeep/updatekit/internal/updater"
)

const notesExcerptLength = 280

// statusForKind maps updater failures onto HTTP statuses.
var statusForKind = map[updater.Kind]int{
	updater.KindAuthorizationDenied:      http.StatusForbidden,
	updater.KindModificationDisabled:     http.StatusForbidden,
	updater.KindMissingPackageURL:        http.StatusUnprocessableEntity,
	updater.KindLockUnavailable:          http.StatusServiceUnavailable,
	updater.KindUpdateInProgress:         http.StatusConflict,
	updater.KindDownloadFailed:           http.StatusBadGateway,
	updater.KindSizeMismatch:             http.StatusBadGateway,
	updater.KindCorruptArchive:           http.StatusBadGateway,
	updater.KindBackupFailed:             http.StatusInternalServerError,
	updater.KindExtractionFailed:         http.StatusInternalServerError,
	updater.KindPostExtractionDirMissing: http.StatusInternalServerError,
	updater.KindRollbackFailed:           http.StatusInternalServerError,
	updater.KindNoBackup:                 http.StatusNotFound,
	updater.KindBackupInvalid:            http.StatusConflict,
	updater.KindRecoveryRequired:         http.StatusConflict,
	updater.KindFeedUnreachable:          http.StatusBadGateway,
	updater.KindFeedBadStatus:            http.StatusBadGateway,
	updater.KindFeedMalformed:            http.StatusBadGateway,
}

// respondWithUpdateError writes err with the status matching its kind. A
// validation error is the caller's fault only when no updater kind wraps it.
func respondWithUpdateError(w http.ResponseWriter, err error) {
	var verr *models.ValidationError
	if updater.KindOf(err) == "" && errors.As(err, &verr) {
		RespondWithJSON(w, http.StatusBadRequest, map[string]any{
			"error": err.Error(),
			"field": verr.Field,
			"rule":  verr.Rule,
		})
		return
	}

	kind := updater.KindOf(err)
	code, ok := statusForKind[kind]
	if !ok {
		RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	RespondWithJSON(w, code, map[string]any{
		"error": err.Error(),
		"kind":  kind,
		"fatal": updater.IsFatal(err),
	})
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	RespondWithJSON(w, http.StatusOK, s.app.Status())
}

func (s *Server) handleGetAuditLog(w http.ResponseWriter, r *http.Request) {
	RespondWithJSON(w, http.StatusOK, s.app.AuditLog().Entries())
}

func (s *Server) handleCheckForUpdates(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	if force && !host.HasCapability(r.Context()) {
		RespondWithError(w, http.StatusForbidden, "Forbidden: Administrator token required to bypass the cache")
		return
	}

	desc, err := s.app.CheckForUpdates(r.Context(), force)
	if err != nil {
		respondWithUpdateError(w, err)
		return
	}
	resp := map[string]any{"update_available": desc != nil}
	if desc != nil {
		resp["release"] = desc
	}
	RespondWithJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInstallUpdate(w http.ResponseWriter, r *http.Request) {
	desc, err := s.app.InstallLatest(r.Context())
	if err != nil {
		respondWithUpdateError(w, err)
		return
	}
	if desc == nil {
		RespondWithJSON(w, http.StatusOK, map[string]any{
			"installed": false,
			"message":   "No newer release available.",
		})
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]any{
		"installed": true,
		"version":   desc.Version(),
	})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Orchestrator().RollbackToPreviousVersion(r.Context()); err != nil {
		respondWithUpdateError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, s.app.Status())
}

func (s *Server) handleClearFatal(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Orchestrator().ClearFatal(r.Context()); err != nil {
		respondWithUpdateError(w, err)
		return
	}
	RespondNoContent(w)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	RespondWithJSON(w, http.StatusOK, s.app.Settings())
}

// handleUpdateSettings applies a partial update: keys missing from the body
// keep their current values.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	settings := s.app.Settings()
	if err := decodeJSON(r, &settings, true); err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := s.app.UpdateSettings(settings)
	if err != nil {
		respondWithUpdateError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, updated)
}

// handleGetReleaseNotes renders the notes of the cached release. It does not
// contact the feed.
func (s *Server) handleGetReleaseNotes(w http.ResponseWriter, r *http.Request) {
	desc, ok := s.app.Feed().CachedRelease()
	if !ok || desc == nil {
		RespondWithError(w, http.StatusNotFound, "No release notes available")
		return
	}

	html, err := notes.Render(desc.ReleaseNotes())
	if err != nil {
		RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	excerpt, err := notes.Excerpt(html, notesExcerptLength)
	if err != nil {
		RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	links, err := notes.Links(html)
	if err != nil {
		RespondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]any{
		"version":     desc.Version(),
		"release_url": desc.ReleaseURL(),
		"html":        html,
		"excerpt":     excerpt,
		"links":       links,
	})
}
