// Package dispatch implements the method-name routing table (C9) sitting
// between the IPC server and the session registry, router and reference
// manager.
package dispatch

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/browserkit/broker/internal/driver"
	"github.com/browserkit/broker/internal/refs"
	"github.com/browserkit/broker/internal/registry"
	"github.com/browserkit/broker/internal/types"
)

// DomainChecker validates a navigation target URL, used to reject SSRF
// targets before a tabs/create or page/navigate call reaches the browser.
type DomainChecker interface {
	Check(url string) error
}

// Dispatcher routes decoded requests to the registry and reference
// manager by method name.
type Dispatcher struct {
	reg   *registry.Registry
	refs  *refs.Manager
	guard DomainChecker
}

// New builds a Dispatcher. guard may be nil to skip domain checking.
func New(reg *registry.Registry, refMgr *refs.Manager, guard DomainChecker) *Dispatcher {
	return &Dispatcher{reg: reg, refs: refMgr, guard: guard}
}

func (d *Dispatcher) checkURL(url string) error {
	if d.guard == nil || url == "" {
		return nil
	}
	return d.guard.Check(url)
}

// Handle satisfies server.Handler.
func (d *Dispatcher) Handle(ctx context.Context, workerID string, req types.Request) (interface{}, error) {
	switch req.Method {
	case "session/create":
		return d.sessionCreate(workerID, req)
	case "session/delete":
		return d.sessionDelete(req)
	case "session/list":
		return d.reg.ListSessions(), nil
	case "worker/create":
		return d.workerCreate(req)
	case "worker/delete":
		return d.workerDelete(req)
	case "tabs/create":
		return d.tabsCreate(req)
	case "tabs/close":
		return d.tabsClose(req)
	case "page/navigate":
		return d.pageNavigate(req)
	case "page/eval":
		return d.pageEval(req)
	case "cdp/execute":
		return d.cdpExecute(req)
	case "refs/resolve":
		return d.refsResolve(req)
	case "stats":
		return d.reg.Stats(), nil
	default:
		return nil, types.NewProtocolError("unknown_method", req.Method)
	}
}

func decodeParams(req types.Request, v interface{}) error {
	if len(req.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		return types.NewProtocolError("invalid_params", err.Error())
	}
	return nil
}

type sessionCreateParams struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (d *Dispatcher) sessionCreate(ipcWorkerID string, req types.Request) (interface{}, error) {
	var p sessionCreateParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	sess, err := d.reg.CreateSession(types.SessionOptions{ID: p.ID, Name: p.Name})
	if err != nil {
		return nil, err
	}
	d.reg.TrackSession(ipcWorkerID, sess.ID)
	return map[string]string{
		"session_id":        sess.ID,
		"default_worker_id": sess.DefaultWorkerID,
	}, nil
}

type sessionIDParams struct {
	SessionID string `json:"session_id"`
}

func (d *Dispatcher) sessionDelete(req types.Request) (interface{}, error) {
	var p sessionIDParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if err := d.reg.DeleteSession(p.SessionID); err != nil {
		return nil, err
	}
	d.refs.ClearSession(p.SessionID)
	return map[string]bool{"ok": true}, nil
}

type workerCreateParams struct {
	SessionID    string `json:"session_id"`
	Name         string `json:"name"`
	TargetURL    string `json:"target_url"`
	UseIsolation bool   `json:"use_isolation"`
}

func (d *Dispatcher) workerCreate(req types.Request) (interface{}, error) {
	var p workerCreateParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	w, err := d.reg.CreateWorker(p.SessionID, types.WorkerOptions{
		Name:         p.Name,
		TargetURL:    p.TargetURL,
		UseIsolation: p.UseIsolation,
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{"worker_id": w.ID}, nil
}

type workerIDParams struct {
	SessionID string `json:"session_id"`
	WorkerID  string `json:"worker_id"`
}

func (d *Dispatcher) workerDelete(req types.Request) (interface{}, error) {
	var p workerIDParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if err := d.reg.DeleteWorker(p.SessionID, p.WorkerID); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

type tabsCreateParams struct {
	SessionID string `json:"session_id"`
	WorkerID  string `json:"worker_id"`
	URL       string `json:"url"`
}

func (d *Dispatcher) tabsCreate(req types.Request) (interface{}, error) {
	var p tabsCreateParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if err := d.checkURL(p.URL); err != nil {
		return nil, err
	}
	targetID, resolvedWorkerID, err := d.reg.CreateTarget(p.SessionID, p.URL, p.WorkerID)
	if err != nil {
		return nil, err
	}
	return map[string]string{"target_id": targetID, "worker_id": resolvedWorkerID}, nil
}

type tabsCloseParams struct {
	SessionID string `json:"session_id"`
	TargetID  string `json:"target_id"`
}

func (d *Dispatcher) tabsClose(req types.Request) (interface{}, error) {
	var p tabsCloseParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if err := d.reg.CloseTarget(p.SessionID, p.TargetID); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

type pageNavigateParams struct {
	SessionID string `json:"session_id"`
	TargetID  string `json:"target_id"`
	WorkerID  string `json:"worker_id"`
	URL       string `json:"url"`
}

func (d *Dispatcher) pageNavigate(req types.Request) (interface{}, error) {
	var p pageNavigateParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if err := d.checkURL(p.URL); err != nil {
		return nil, err
	}
	result, err := d.reg.Navigate(p.SessionID, p.TargetID, p.URL)
	if err != nil {
		return nil, err
	}
	return result, nil
}

type pageEvalParams struct {
	SessionID string        `json:"session_id"`
	TargetID  string        `json:"target_id"`
	WorkerID  string        `json:"worker_id"`
	Script    string        `json:"script"`
	Args      []interface{} `json:"args"`
}

func (d *Dispatcher) pageEval(req types.Request) (interface{}, error) {
	var p pageEvalParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	result, err := d.reg.ExecuteCommand(p.SessionID, p.TargetID, "eval", func(page driver.Page) (interface{}, error) {
		evalResult, err := page.Eval(p.Script, p.Args...)
		if err != nil {
			return nil, types.NewDriverError("eval", err)
		}
		return evalResult, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

type cdpExecuteParams struct {
	SessionID string          `json:"session_id"`
	TargetID  string          `json:"target_id"`
	WorkerID  string          `json:"worker_id"`
	Method    string          `json:"method"`
	Payload   json.RawMessage `json:"payload"`
}

// cdpExecute is a narrow escape hatch for callers that need raw debug-
// protocol access beyond the tool surface; it is routed through the same
// per-target serial queue as every other command.
func (d *Dispatcher) cdpExecute(req types.Request) (interface{}, error) {
	var p cdpExecuteParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	result, err := d.reg.ExecuteCommand(p.SessionID, p.TargetID, toolForCDPMethod(p.Method), func(page driver.Page) (interface{}, error) {
		evalResult, err := page.Eval(p.Method, p.Payload)
		if err != nil {
			return nil, types.NewDriverError("cdp/"+p.Method, err)
		}
		return evalResult, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// toolForCDPMethod maps a raw CDP method name onto the router's tool
// vocabulary so visual-only methods (screenshot/PDF capture) are forced
// onto the heavy backend regardless of method casing.
func toolForCDPMethod(method string) string {
	lower := strings.ToLower(method)
	switch {
	case strings.Contains(lower, "screenshot"):
		return "screenshot"
	case strings.Contains(lower, "pdf"):
		return "pdf"
	default:
		return "cdp"
	}
}

type refsResolveParams struct {
	SessionID string `json:"session_id"`
	TargetID  string `json:"target_id"`
	Ref       string `json:"ref"`
}

func (d *Dispatcher) refsResolve(req types.Request) (interface{}, error) {
	var p refsResolveParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	nodeID, ok := d.refs.Resolve(p.SessionID, p.TargetID, p.Ref)
	if !ok {
		return nil, types.NewProtocolError("invalid_params", "undefined reference: "+p.Ref)
	}
	return map[string]int64{"node_id": nodeID}, nil
}

// CleanupWorker is invoked by the IPC server's disconnect callback.
func (d *Dispatcher) CleanupWorker(ipcWorkerID string) {
	d.reg.CleanupWorker(ipcWorkerID)
}
