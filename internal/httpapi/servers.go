package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/John-Robertt/sskeyring/internal/errs"
	"github.com/John-Robertt/sskeyring/internal/model"
	"github.com/John-Robertt/sskeyring/internal/server"
)

const maxBodyBytes = 64 << 10

type accessKeyRequest struct {
	AccessKey string `json:"accessKey"`
}

type renameRequest struct {
	Name *string `json:"name"`
}

type statusResponse struct {
	Running   bool `json:"running"`
	Reachable bool `json:"reachable"`
}

func serverView(s server.Server) model.ServerView {
	return model.ServerView{
		ID:             s.ID(),
		Name:           s.Name(),
		AccessKey:      s.AccessKey(),
		Address:        s.Address(),
		IsOutline:      s.IsOutlineServer(),
		ErrorMessageID: s.ErrorMessageID(),
	}
}

// decodeJSON reads exactly one JSON document with no unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return requestError("INVALID_ARGUMENT", "invalid JSON body", err.Error())
	}
	var extra any
	if err := dec.Decode(&extra); err == nil {
		return requestError("INVALID_ARGUMENT", "JSON body must be a single document", "")
	} else if !errors.Is(err, io.EOF) {
		return requestError("INVALID_ARGUMENT", "invalid JSON body", err.Error())
	}
	return nil
}

func decodeAccessKey(w http.ResponseWriter, r *http.Request) (string, error) {
	var body accessKeyRequest
	if err := decodeJSON(w, r, &body); err != nil {
		return "", err
	}
	key := strings.TrimSpace(body.AccessKey)
	if key == "" {
		return "", requestError("INVALID_ARGUMENT", "accessKey must not be empty", "")
	}
	return key, nil
}

func (a *api) handleListServers(w http.ResponseWriter, r *http.Request) {
	a.repoMu.Lock()
	all := a.opt.Repository.GetAll()
	views := make([]model.ServerView, 0, len(all))
	for _, s := range all {
		views = append(views, serverView(s))
	}
	a.repoMu.Unlock()
	WriteJSON(w, http.StatusOK, views)
}

func (a *api) handleAddServer(w http.ResponseWriter, r *http.Request) {
	key, err := decodeAccessKey(w, r)
	if err != nil {
		a.writeErrorFromErr(w, "add_server", err)
		return
	}

	a.repoMu.Lock()
	s, err := a.addServer(key)
	var view model.ServerView
	if err == nil {
		view = serverView(s)
	}
	a.repoMu.Unlock()

	if err != nil {
		a.writeErrorFromErr(w, "add_server", err)
		return
	}
	WriteJSON(w, http.StatusCreated, view)
}

// addServer rejects anything the codec rejects, unsupported ciphers included.
// Only servers restored from storage are kept with a cipher flag.
func (a *api) addServer(key string) (server.Server, error) {
	if err := a.opt.Repository.ValidateAccessKey(key); err != nil {
		return nil, err
	}
	return a.opt.Repository.Add(key)
}

func (a *api) handleValidateAccessKey(w http.ResponseWriter, r *http.Request) {
	key, err := decodeAccessKey(w, r)
	if err != nil {
		a.writeErrorFromErr(w, "validate_access_key", err)
		return
	}
	a.repoMu.Lock()
	err = a.opt.Repository.ValidateAccessKey(key)
	a.repoMu.Unlock()
	if err != nil {
		a.writeErrorFromErr(w, "validate_access_key", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleRenameServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body renameRequest
	if err := decodeJSON(w, r, &body); err != nil {
		a.writeErrorFromErr(w, "rename_server", err)
		return
	}
	if body.Name == nil {
		a.writeErrorFromErr(w, "rename_server", requestError("INVALID_ARGUMENT", "name is required", ""))
		return
	}

	a.repoMu.Lock()
	ok, err := a.opt.Repository.Rename(id, *body.Name)
	var view model.ServerView
	if ok {
		s, _ := a.opt.Repository.GetByID(id)
		view = serverView(s)
	}
	a.repoMu.Unlock()

	switch {
	case err != nil:
		a.writeErrorFromErr(w, "rename_server", err)
	case !ok:
		a.writeErrorFromErr(w, "rename_server", notFound("rename_server", id, "no such server"))
	default:
		WriteJSON(w, http.StatusOK, view)
	}
}

func (a *api) handleForgetServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a.repoMu.Lock()
	ok, err := a.opt.Repository.Forget(id)
	a.repoMu.Unlock()

	switch {
	case err != nil:
		a.writeErrorFromErr(w, "forget_server", err)
	case !ok:
		a.writeErrorFromErr(w, "forget_server", notFound("forget_server", id, "no such server"))
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *api) handleUndoForget(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a.repoMu.Lock()
	ok, err := a.opt.Repository.UndoForget(id)
	var view model.ServerView
	if ok {
		s, _ := a.opt.Repository.GetByID(id)
		view = serverView(s)
	}
	a.repoMu.Unlock()

	switch {
	case err != nil:
		a.writeErrorFromErr(w, "undo_forget", err)
	case !ok:
		a.writeErrorFromErr(w, "undo_forget", notFound("undo_forget", id, "server is not the last forgotten one"))
	default:
		WriteJSON(w, http.StatusOK, view)
	}
}

func (a *api) lookup(id string) (server.Server, bool) {
	a.repoMu.Lock()
	defer a.repoMu.Unlock()
	return a.opt.Repository.GetByID(id)
}

// withTimeout runs op under the operation timeout and reports an expired
// deadline as OPERATION_TIMED_OUT, whatever error op itself returned.
func (a *api) withTimeout(ctx context.Context, name string, op func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, a.opt.OperationTimeout)
	defer cancel()
	err := op(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errs.OperationTimedOut(a.opt.OperationTimeout.Milliseconds(), name)
	}
	return err
}

func (a *api) handleConnect(w http.ResponseWriter, r *http.Request) {
	a.runConnection(w, r, "connect", server.Server.Connect)
}

func (a *api) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	a.runConnection(w, r, "disconnect", server.Server.Disconnect)
}

func (a *api) runConnection(w http.ResponseWriter, r *http.Request, stage string, op func(server.Server, context.Context) error) {
	id := r.PathValue("id")
	s, ok := a.lookup(id)
	if !ok {
		a.writeErrorFromErr(w, stage, notFound(stage, id, "no such server"))
		return
	}

	a.connMu.Lock()
	err := a.withTimeout(r.Context(), stage, func(ctx context.Context) error { return op(s, ctx) })
	a.connMu.Unlock()

	if err != nil {
		a.opt.Log.Warn(stage+" failed", zap.String("server", id), zap.Error(err))
		a.writeServerError(w, stage, id, err)
		return
	}
	WriteJSON(w, http.StatusOK, serverView(s))
}

func (a *api) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s, ok := a.lookup(id)
	if !ok {
		a.writeErrorFromErr(w, "server_status", notFound("server_status", id, "no such server"))
		return
	}

	var resp statusResponse
	err := a.withTimeout(r.Context(), "server_status", func(ctx context.Context) error {
		var err error
		if resp.Running, err = s.CheckRunning(ctx); err != nil {
			return err
		}
		resp.Reachable, err = s.CheckReachable(ctx)
		return err
	})
	if err != nil {
		a.writeServerError(w, "server_status", id, err)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}
