package transport

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/bobmcallan/dlmgr/internal/models"
	"github.com/bobmcallan/dlmgr/internal/supervisor"
)

// workerEvent is the wire shape an out-of-process worker pushes over the
// worker channel: the same progress/log/completed/failed/job-update
// payloads the EventBus carries, addressed to a jobId so the Pipeline can
// route it through the normal Sink contract. job-update carries no
// dedicated Sink method; a worker wanting to report a coarse status change
// without a fresh progress delta sends "progress" with only Stage set, or
// "failed"/"completed" for terminal transitions.
type workerEvent struct {
	Type       models.EventType `json:"type"`
	JobID      string           `json:"jobId"`
	Stage      models.Stage     `json:"stage,omitempty"`
	Progress   *float64         `json:"progress,omitempty"`
	Speed      string           `json:"speed,omitempty"`
	ETA        *int64           `json:"eta,omitempty"`
	TotalBytes *uint64          `json:"totalBytes,omitempty"`
	Message    string           `json:"message,omitempty"`
	Filename   string           `json:"filename,omitempty"`
	OutputPath string           `json:"outputPath,omitempty"`
	Size       uint64           `json:"size,omitempty"`
	ErrorCode  models.ErrorCode `json:"errorCode,omitempty"`
}

// handleWorkerWS upgrades the out-of-process worker channel, closing the
// connection immediately if the shared-secret token is missing or wrong —
// a spoofed terminal event from outside must never reach the Pipeline.
// Once authenticated, every JSON message the worker sends is applied to
// the Pipeline's Sink contract exactly as if an in-process Supervisor had
// produced it, so the Pipeline stays the single convergence point for
// either deployment shape.
func (s *Server) handleWorkerWS(w http.ResponseWriter, r *http.Request) {
	if s.guard == nil {
		http.Error(w, "worker channel not configured", http.StatusServiceUnavailable)
		return
	}
	if err := s.guard.VerifyRequest(r); err != nil {
		http.Error(w, "invalid worker token", http.StatusUnauthorized)
		return
	}
	if s.sink == nil {
		http.Error(w, "worker channel ingestion not configured", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("transport: worker websocket upgrade failed")
		return
	}
	defer conn.Close()

	conn.SetReadLimit(8192)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var evt workerEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.logger.Warn().Err(err).Msg("transport: worker channel sent malformed event")
			continue
		}
		if evt.JobID == "" {
			continue
		}
		s.applyWorkerEvent(evt)
	}
}

func (s *Server) applyWorkerEvent(evt workerEvent) {
	switch evt.Type {
	case models.EventProgress, models.EventJobUpdate:
		s.sink.OnProgress(evt.JobID, models.ProgressDelta{
			Progress:   evt.Progress,
			Stage:      evt.Stage,
			Speed:      evt.Speed,
			ETA:        evt.ETA,
			TotalBytes: evt.TotalBytes,
		})
	case models.EventLog:
		s.sink.OnLog(evt.JobID, evt.Message)
	case models.EventCompleted:
		s.sink.OnCompleted(evt.JobID, supervisor.Artifact{
			Filename:  evt.Filename,
			TempPath:  evt.OutputPath,
			SizeBytes: evt.Size,
		})
	case models.EventFailed:
		s.sink.OnFailed(evt.JobID, evt.ErrorCode, evt.Message)
	default:
		s.logger.Warn().Str("type", string(evt.Type)).Msg("transport: worker channel sent unknown event type")
	}
}
