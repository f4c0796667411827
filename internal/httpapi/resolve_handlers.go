package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"rciam.org/internal/attributes"
	"rciam.org/internal/audit"
	"rciam.org/internal/resolver"
	"rciam.org/internal/statestore"
)

type resolveRequest struct {
	Attributes              map[string][]string `json:"attributes"`
	SPEntityID              string              `json:"sp_entity_id"`
	AuthenticatingAuthority []string            `json:"authenticating_authority"`
	IdPTags                 []string            `json:"idp_tags"`
}

type continueRequest struct {
	StateToken string `json:"state_token"`
}

type resolveResponse struct {
	Kind        string              `json:"kind"`
	Attributes  map[string][]string `json:"attributes,omitempty"`
	Extra       *resolver.Extra     `json:"extra,omitempty"`
	RedirectURL string              `json:"redirect_url,omitempty"`
	StateToken  string              `json:"state_token,omitempty"`
	Notice      *resolver.Notice    `json:"notice,omitempty"`
}

func (a *API) handleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req resolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Attributes) == 0 {
		writeError(w, r, http.StatusBadRequest, "attributes are required")
		return
	}

	a.runResolution(w, r, resolver.Request{
		Attributes:              attributes.Map(req.Attributes),
		SPEntityID:              strings.TrimSpace(req.SPEntityID),
		AuthenticatingAuthority: req.AuthenticatingAuthority,
		IdPTags:                 req.IdPTags,
		RemoteIP:                clientIP(r),
	})
}

// handleResolveContinue resumes a resolution parked before an enrollment
// redirect. The token is single-use; replays get 404.
func (a *API) handleResolveContinue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req continueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	token := strings.TrimSpace(req.StateToken)
	if token == "" {
		writeError(w, r, http.StatusBadRequest, "state_token is required")
		return
	}

	st, err := a.states.Load(token)
	switch {
	case errors.Is(err, statestore.ErrBadToken):
		writeError(w, r, http.StatusBadRequest, "invalid state token")
		return
	case errors.Is(err, statestore.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "state not found or already consumed")
		return
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	a.runResolution(w, r, resolver.Request{
		Attributes: st.Attributes,
		RemoteIP:   clientIP(r),
	})
}

func (a *API) runResolution(w http.ResponseWriter, r *http.Request, req resolver.Request) {
	ctx := audit.WithRequestID(r.Context(), RequestIDFromContext(r.Context()))

	d, err := a.resolver.Resolve(ctx, req)
	if err != nil {
		_ = audit.LogEvent(ctx, "resolution.error", map[string]any{
			"sp_entity_id": req.SPEntityID,
			"error":        err.Error(),
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	fields := map[string]any{
		"sp_entity_id": req.SPEntityID,
	}
	if d.Extra != nil {
		fields["person_id"] = d.Extra.RegistryUserID
	}
	_ = audit.LogEvent(ctx, "resolution."+d.Kind, fields)

	writeJSON(w, http.StatusOK, resolveResponse{
		Kind:        d.Kind,
		Attributes:  map[string][]string(d.Attributes),
		Extra:       d.Extra,
		RedirectURL: d.RedirectURL,
		StateToken:  d.StateToken,
		Notice:      d.Notice,
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
