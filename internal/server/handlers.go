package server

import (
	"encoding/json"
	"errors"

	"github.com/kolosalai/kolosal-gateway/internal/download"
	"github.com/kolosalai/kolosal-gateway/internal/engine"
	"github.com/kolosalai/kolosal-gateway/internal/model"
	"github.com/kolosalai/kolosal-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
}

// handleListModels serves GET /models from the engine registry — every
// registered id is a usable "model" regardless of load state.
func (s *Server) handleListModels(ctx *fasthttp.RequestCtx) {
	ids := s.Registry.List()
	data := make([]model.ModelEntry, 0, len(ids))
	for _, id := range ids {
		rec, ok := s.Registry.Record(id)
		if !ok {
			continue
		}
		info := rec.StateInfo()
		data = append(data, model.ModelEntry{
			ID:      id,
			Object:  "model",
			Created: rec.RegisteredAt.Unix(),
			OwnedBy: "kolosal",
			State:   info.State.String(),
		})
	}
	writeJSON(ctx, fasthttp.StatusOK, model.ModelList{Object: "list", Data: data})
}

func (s *Server) handleListEngines(ctx *fasthttp.RequestCtx) {
	ids := s.Registry.List()
	entries := make([]model.EngineListEntry, 0, len(ids))
	for _, id := range ids {
		state, _, _ := s.Registry.Status(id)
		entries = append(entries, model.EngineListEntry{ID: id, Status: state.String()})
	}
	writeJSON(ctx, fasthttp.StatusOK, model.EngineListResponse{Engines: entries})
}

// handleCreateEngine serves POST /engines. If path isn't a local file
// reference but a downloadable URL, it's resolved under ModelsDir first
// (original_source's generate_download_path behavior, supplemented per
// SPEC_FULL.md).
func (s *Server) handleCreateEngine(ctx *fasthttp.RequestCtx) {
	var req model.EngineCreateRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteInvalidRequest(ctx, "invalid JSON body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		apierr.WriteInvalidRequest(ctx, err.Error())
		return
	}

	path := req.Path
	if download.IsValidURL(path) && s.Downloads != nil {
		localPath := download.GenerateDownloadPath(path, s.ModelsDir)
		result := s.Downloads.Download(ctx, path, localPath, nil, nil)
		if !result.Success {
			apierr.WriteDownloadFailure(ctx, result.Error)
			return
		}
		path = result.LocalPath
	}

	if req.LoadAtStartup {
		ok, err := s.Registry.Add(ctx, req.ID, path, req.LoadParams, req.GPUID)
		if errors.Is(err, engine.ErrAlreadyExists) {
			apierr.WriteConflict(ctx, err.Error())
			return
		}
		if err != nil || !ok {
			apierr.WriteEngineLoad(ctx, errMsg(err))
			return
		}
	} else if err := s.Registry.Register(req.ID, path, req.LoadParams, req.GPUID); err != nil {
		if errors.Is(err, engine.ErrAlreadyExists) {
			apierr.WriteConflict(ctx, err.Error())
			return
		}
		apierr.WriteInvalidRequest(ctx, err.Error())
		return
	}

	writeJSON(ctx, fasthttp.StatusCreated, model.EngineListEntry{ID: req.ID, Status: "registered"})
}

func errMsg(err error) string {
	if err == nil {
		return "engine load failed"
	}
	return err.Error()
}

func (s *Server) handleEngineStatus(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	rec, ok := s.Registry.Record(id)
	if !ok {
		apierr.WriteNotFound(ctx, "engine not registered")
		return
	}
	info := rec.StateInfo()

	resp := model.EngineStatusResponse{
		ID:           id,
		Status:       info.State.String(),
		Available:    true,
		Message:      info.FailMsg,
		RegisteredAt: rec.RegisteredAt.Unix(),
	}
	if info.LastUsedAt != nil {
		ts := info.LastUsedAt.Unix()
		resp.LastUsedAt = &ts
	}
	writeJSON(ctx, fasthttp.StatusOK, resp)
}

func (s *Server) handleRemoveEngine(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	err := s.Registry.Remove(ctx, id)
	if errors.Is(err, engine.ErrNotFound) {
		apierr.WriteNotFound(ctx, "engine not registered")
		return
	}
	if err != nil {
		apierr.WriteInternal(ctx, err.Error())
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, model.RemoveEngineResponse{ID: id, Removed: true})
}

func (s *Server) handleCombinedMetrics(ctx *fasthttp.RequestCtx) {
	ids := s.Registry.List()
	snap := s.Metrics.SnapshotAll()
	engines := make(map[string]model.EngineMetrics, len(snap))
	for id, m := range snap {
		engines[id] = m
	}
	writeJSON(ctx, fasthttp.StatusOK, model.CombinedMetricsResponse{
		System:  s.Metrics.SystemSnapshot(len(ids)),
		Engines: engines,
	})
}

func (s *Server) handleListDownloads(ctx *fasthttp.RequestCtx) {
	statuses := s.Downloads.Snapshot()
	out := make([]model.DownloadStatus, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, model.DownloadStatus{
			URL:        st.URL,
			LocalPath:  st.LocalPath,
			Downloaded: st.Downloaded,
			Total:      st.Total,
			Percent:    st.Percent,
			Cancelled:  st.Cancelled,
		})
	}
	writeJSON(ctx, fasthttp.StatusOK, model.DownloadsResponse{Downloads: out})
}

func (s *Server) handleCancelAllDownloads(ctx *fasthttp.RequestCtx) {
	n := s.Downloads.CancelAll()
	writeJSON(ctx, fasthttp.StatusOK, model.CancelAllResponse{Cancelled: n})
}
