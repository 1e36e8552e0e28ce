package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/bobmcallan/dlmgr/internal/config"
	"github.com/bobmcallan/dlmgr/internal/models"
	"github.com/bobmcallan/dlmgr/internal/supervisor"
)

// rpcRequest/rpcResponse follow aria2's JSON-RPC over HTTP wire shape.
type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      string        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// aria2Status mirrors the subset of aria2's tellStatus result this adapter
// reads. Fields are strings on the wire, per aria2's JSON-RPC convention.
type aria2Status struct {
	GID             string `json:"gid"`
	Status          string `json:"status"` // active | waiting | paused | error | complete | removed
	TotalLength     string `json:"totalLength"`
	CompletedLength string `json:"completedLength"`
	DownloadSpeed   string `json:"downloadSpeed"`
	ErrorMessage    string `json:"errorMessage"`
	Files           []struct {
		Path string `json:"path"`
	} `json:"files"`
}

// RPCClient drives aria2's JSON-RPC control plane as a PollingAdapter: it
// submits a download via aria2.addUri and polls aria2.tellStatus instead of
// scanning a line-oriented stdout, per the control-plane downloader
// contract. The HTTP client is rate limited so polling never floods a
// shared aria2 daemon that may also be serving other jobs.
type RPCClient struct {
	Endpoint string
	Secret   string

	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewRPCClient constructs an RPCClient against the configured aria2
// JSON-RPC endpoint, rate limited to 5 requests/second with a burst of 5.
func NewRPCClient(tools *config.ToolsConfig) *RPCClient {
	return &RPCClient{
		Endpoint:   tools.Aria2RPCURL,
		Secret:     tools.Aria2Secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(5), 5),
	}
}

func (a *RPCClient) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	if a.Secret != "" {
		params = append([]interface{}{"token:" + a.Secret}, params...)
	}
	req := rpcRequest{JSONRPC: "2.0", ID: "dlmgr", Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, err
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("aria2: %s", rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// Start submits job.URL to aria2 via aria2.addUri, directing output into
// workDir, and returns aria2's GID as the opaque handle.
func (a *RPCClient) Start(job *models.Job, workDir string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	options := map[string]string{"dir": workDir}
	if job.Options.Headers.UserAgent != "" {
		options["user-agent"] = job.Options.Headers.UserAgent
	}
	if job.Options.Headers.Referer != "" {
		options["referer"] = job.Options.Headers.Referer
	}

	params := []interface{}{[]string{job.URL}, options}
	result, err := a.call(ctx, "aria2.addUri", params)
	if err != nil {
		return "", err
	}

	var gid string
	if err := json.Unmarshal(result, &gid); err != nil {
		return "", err
	}
	return gid, nil
}

// Poll reports job.URL's current state by calling aria2.tellStatus.
func (a *RPCClient) Poll(handle string) (supervisor.Snapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	keys := []string{"gid", "status", "totalLength", "completedLength", "downloadSpeed", "errorMessage", "files"}
	result, err := a.call(ctx, "aria2.tellStatus", []interface{}{handle, keys})
	if err != nil {
		return supervisor.Snapshot{}, err
	}

	var status aria2Status
	if err := json.Unmarshal(result, &status); err != nil {
		return supervisor.Snapshot{}, err
	}

	snap := supervisor.Snapshot{
		State:        mapAria2Status(status.Status),
		ErrorMessage: status.ErrorMessage,
	}
	if n, err := strconv.ParseUint(status.CompletedLength, 10, 64); err == nil {
		snap.CompletedBytes = n
	}
	if n, err := strconv.ParseUint(status.TotalLength, 10, 64); err == nil {
		snap.TotalBytes = n
	}
	if n, err := strconv.ParseUint(status.DownloadSpeed, 10, 64); err == nil {
		snap.SpeedBytesPerSec = n
	}
	for _, f := range status.Files {
		snap.Files = append(snap.Files, f.Path)
	}
	return snap, nil
}

func mapAria2Status(s string) supervisor.SnapshotState {
	switch s {
	case "active", "waiting":
		return supervisor.SnapshotActive
	case "paused":
		return supervisor.SnapshotPaused
	case "complete":
		return supervisor.SnapshotComplete
	case "error":
		return supervisor.SnapshotError
	case "removed":
		return supervisor.SnapshotRemoved
	default:
		return supervisor.SnapshotError
	}
}

// Stop calls aria2.forceRemove for handle.
func (a *RPCClient) Stop(handle string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := a.call(ctx, "aria2.forceRemove", []interface{}{handle})
	return err
}

func (a *RPCClient) ClassifyError(errorMessage string) models.ErrorCode {
	lower := strings.ToLower(errorMessage)
	switch {
	case strings.Contains(lower, "disk"), strings.Contains(lower, "no space"):
		return models.ErrDiskFull
	case strings.Contains(lower, "timeout"):
		return models.ErrTimeout
	case strings.Contains(lower, "404"), strings.Contains(lower, "not found"):
		return models.ErrNotFound
	case strings.Contains(lower, "resource temporarily") || strings.Contains(lower, "connect"):
		return models.ErrNetworkError
	default:
		return models.ErrInternal
	}
}

// CollectArtifact resolves the first file aria2 reports for handle, falling
// back to a directory scan if aria2's response listed none.
func (a *RPCClient) CollectArtifact(handle string, workDir string) (supervisor.Artifact, error) {
	snap, err := a.Poll(handle)
	if err == nil && len(snap.Files) > 0 {
		path := snap.Files[0]
		return supervisor.Artifact{
			Filename:  filepath.Base(path),
			TempPath:  path,
			SizeBytes: snap.CompletedBytes,
		}, nil
	}
	return findSoleFile(workDir)
}

var _ supervisor.PollingAdapter = (*RPCClient)(nil)
