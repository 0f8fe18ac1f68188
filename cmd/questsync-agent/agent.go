package main

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"questsync/internal/stepmap"
	"questsync/pkg/config"
	"questsync/pkg/logx"
	"questsync/pkg/proto"
	"questsync/pkg/watcher"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// Agent owns the workspace watcher and the server connection. It
// reconnects with capped exponential backoff; the watcher keeps
// buffering while the connection is down.
type Agent struct {
	cfg      *config.Config
	token    string
	manifest *stepmap.Manifest
	detector *watcher.Detector
	logger   *logx.Logger

	done     chan struct{}
	stopOnce sync.Once
}

func NewAgent(cfg *config.Config, token string, manifest *stepmap.Manifest) (*Agent, error) {
	det := watcher.New(watcher.Options{
		Window:          cfg.DebounceWindow(),
		MaxContentBytes: cfg.Watcher.MaxContentBytes,
		TextExtensions:  cfg.Watcher.TextExtensions,
	})
	if err := det.Start(cfg.Agent.ProjectID, cfg.Agent.RootPath, nil, cfg.Watcher.ExcludeGlobs); err != nil {
		return nil, fmt.Errorf("starting workspace watch: %w", err)
	}

	return &Agent{
		cfg:      cfg,
		token:    token,
		manifest: manifest,
		detector: det,
		logger:   logx.NewLogger("agent"),
		done:     make(chan struct{}),
	}, nil
}

// Run connects and pumps batches until Stop is called. Each dropped
// connection is retried with doubling delay up to the cap.
func (a *Agent) Run() {
	backoff := initialBackoff
	for {
		select {
		case <-a.done:
			return
		default:
		}

		conn, err := a.connect()
		if err != nil {
			a.logger.Warn("connect failed: %v (retrying in %s)", err, backoff)
			select {
			case <-time.After(backoff):
			case <-a.done:
				return
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = initialBackoff
		a.session(conn)
		_ = conn.Close()
	}
}

// Stop tears down the watcher and lets Run return.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() {
		close(a.done)
		a.detector.Close()
	})
}

// Done is closed once the agent has stopped, whether by Stop or a
// fatal workspace watch failure.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

func (a *Agent) wsEndpoint() string {
	url := strings.TrimSuffix(a.cfg.Agent.ServerURL, "/")
	url = strings.Replace(url, "http://", "ws://", 1)
	url = strings.Replace(url, "https://", "wss://", 1)
	if !strings.HasSuffix(url, "/ws") {
		url += "/ws"
	}
	return url
}

// connect dials the server and joins the project room.
func (a *Agent) connect() (*websocket.Conn, error) {
	header := http.Header{"Authorization": []string{"Bearer " + a.token}}
	conn, resp, err := websocket.DefaultDialer.Dial(a.wsEndpoint(), header)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	if err := a.send(conn, proto.EventJoinProject, proto.JoinProjectPayload{ProjectID: a.cfg.Agent.ProjectID}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	a.logger.Info("connected to %s", a.wsEndpoint())
	return conn, nil
}

// session pumps one live connection. It returns when the connection
// drops or Stop is called.
func (a *Agent) session(conn *websocket.Conn) {
	readerGone := make(chan struct{})
	go func() {
		defer close(readerGone)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			a.handleServerEvent(data)
		}
	}()

	for {
		select {
		case <-a.done:
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-readerGone:
			a.logger.Warn("connection lost")
			return
		case batch, ok := <-a.detector.Batches():
			if !ok {
				return
			}
			if err := a.sendBatch(conn, batch); err != nil {
				a.logger.Warn("sending batch failed: %v", err)
				return
			}
		case werr := <-a.detector.Errors():
			a.logger.Error("workspace watch failed: %v", werr.Err)
			a.Stop()
			return
		}
	}
}

// sendBatch converts one debounced batch into a code-update, attaching
// step context from the manifest where a path matches.
func (a *Agent) sendBatch(conn *websocket.Conn, batch watcher.Batch) error {
	totalSteps := 0
	changes := make([]proto.FileChange, 0, len(batch.Events))
	for _, ev := range batch.Events {
		if step, ok := a.manifest.ContextFor(ev.RelativePath); ok {
			ev.Step = step
			if totalSteps == 0 {
				totalSteps = a.manifest.TotalSteps(step.QuestID)
			}
		}
		changes = append(changes, ev)
	}

	logx.Debug("agent", "sending %d changes for project %s", len(changes), batch.ProjectID)
	return a.send(conn, proto.EventCodeUpdate, proto.CodeUpdatePayload{
		ProjectID:  batch.ProjectID,
		TotalSteps: totalSteps,
		Changes:    changes,
	})
}

func (a *Agent) send(conn *websocket.Conn, event proto.Event, payload any) error {
	msg, err := proto.NewMsg(event, payload)
	if err != nil {
		return err
	}
	data, err := msg.ToJSON()
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// handleServerEvent surfaces server feedback on the terminal.
func (a *Agent) handleServerEvent(data []byte) {
	msg, err := proto.FromJSON(data)
	if err != nil {
		a.logger.Warn("unreadable server message: %v", err)
		return
	}

	switch msg.Event {
	case proto.EventVerificationResult:
		var vr proto.VerificationResultPayload
		if err := msg.DecodeInto(&vr); err != nil {
			return
		}
		if vr.Success {
			fmt.Printf("step %s passed (score %d): %s\n", vr.StepID, vr.Score, vr.Feedback)
		} else {
			fmt.Printf("step %s failed (score %d): %s\n", vr.StepID, vr.Score, vr.Feedback)
			for _, hint := range vr.Hints {
				fmt.Printf("  hint: %s\n", hint)
			}
			for _, e := range vr.Errors {
				if e.Line > 0 {
					fmt.Printf("  %s (line %d): %s\n", e.Kind, e.Line, e.Message)
				} else {
					fmt.Printf("  %s: %s\n", e.Kind, e.Message)
				}
			}
		}

	case proto.EventQuestProgress:
		var qp proto.QuestProgressPayload
		if err := msg.DecodeInto(&qp); err != nil {
			return
		}
		fmt.Printf("%s: %d/%d steps of quest %s\n",
			qp.Identity.DisplayName, qp.CompletedSteps, qp.TotalSteps, qp.QuestID)

	case proto.EventQuestCompleted:
		var qc proto.QuestCompletedPayload
		if err := msg.DecodeInto(&qc); err != nil {
			return
		}
		fmt.Printf("%s completed quest %s!\n", qc.Identity.DisplayName, qc.QuestID)

	case proto.EventUserJoined, proto.EventUserLeft:
		var p proto.PresencePayload
		if err := msg.DecodeInto(&p); err != nil {
			return
		}
		verb := "joined"
		if msg.Event == proto.EventUserLeft {
			verb = "left"
		}
		fmt.Printf("%s %s the project\n", p.Identity.DisplayName, verb)

	case proto.EventError:
		var ep proto.ErrorPayload
		if err := msg.DecodeInto(&ep); err != nil {
			return
		}
		a.logger.Warn("server error %s: %s", ep.Code, ep.Message)

	case proto.EventProjectJoined, proto.EventFileUpdate:
		// Informational for the agent; nothing to surface.

	default:
		logx.Debug("agent", "ignoring event %s", msg.Event)
	}
}
