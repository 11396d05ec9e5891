package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/BTreeMap/SurveyPipe/internal/models"
	"github.com/BTreeMap/SurveyPipe/internal/session"
	"github.com/BTreeMap/SurveyPipe/internal/survey"
)

// Host protocol command types, one JSON object per stdin line.
const (
	CommandStartSession = "start_session"
	CommandEvent        = "event"
	CommandComplete     = "complete"
	CommandDismiss      = "dismiss"
	CommandEndSession   = "end_session"
)

// maxLineSize bounds a single protocol line.
const maxLineSize = 1 << 20

var errInvalidCommand = errors.New("invalid command")

// command is a decoded stdin line.
type command struct {
	Type       string            `json:"type"`
	UserID     string            `json:"user_id,omitempty"`
	Metadata   models.Properties `json:"metadata,omitempty"`
	Name       string            `json:"name,omitempty"`
	Properties models.Properties `json:"properties,omitempty"`
	RuleID     string            `json:"rule_id,omitempty"`
	Response   string            `json:"response,omitempty"`
}

// parseCommand decodes and validates one protocol line.
func parseCommand(line []byte) (command, error) {
	var cmd command
	if err := json.Unmarshal(line, &cmd); err != nil {
		return command{}, fmt.Errorf("%w: %v", errInvalidCommand, err)
	}
	switch cmd.Type {
	case CommandStartSession, CommandEndSession:
	case CommandEvent:
		if strings.TrimSpace(cmd.Name) == "" {
			return command{}, fmt.Errorf("%w: event requires a name", errInvalidCommand)
		}
	case CommandComplete, CommandDismiss:
		if cmd.RuleID == "" {
			return command{}, fmt.Errorf("%w: %s requires rule_id", errInvalidCommand, cmd.Type)
		}
	case "":
		return command{}, fmt.Errorf("%w: missing type", errInvalidCommand)
	default:
		return command{}, fmt.Errorf("%w: unknown type %q", errInvalidCommand, cmd.Type)
	}
	return cmd, nil
}

// presentMessage is written to stdout for every presentation.
type presentMessage struct {
	Type      string                `json:"type"`
	RuleID    string                `json:"rule_id"`
	Title     string                `json:"title"`
	Message   string                `json:"message,omitempty"`
	Response  models.SurveyResponse `json:"response"`
	SessionID string                `json:"session_id"`
	Recovered bool                  `json:"recovered"`
}

// jsonPresenter writes presentations as JSON lines.
type jsonPresenter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

var _ survey.Presenter = (*jsonPresenter)(nil)

func newJSONPresenter(w io.Writer) *jsonPresenter {
	return &jsonPresenter{enc: json.NewEncoder(w)}
}

func (p *jsonPresenter) Present(pr survey.Presentation) {
	msg := presentMessage{
		Type:      "present",
		RuleID:    pr.Rule.ID,
		Title:     pr.Rule.Title,
		Message:   pr.Rule.Message,
		Response:  pr.Rule.Response,
		SessionID: pr.SessionID,
		Recovered: pr.Recovered,
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enc.Encode(msg); err != nil {
		slog.Error("jsonPresenter.Present: failed to write presentation", "ruleID", pr.Rule.ID, "error", err)
	}
}

// readLines feeds lines to a channel that is closed at EOF. The reader
// goroutine may outlive ctx while blocked on a read.
func readLines(ctx context.Context, r io.Reader) <-chan []byte {
	out := make(chan []byte)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case out <- line:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			slog.Warn("readLines: stdin read failed", "error", err)
		}
	}()
	return out
}

// host applies protocol commands to the coordinator and orchestrator.
type host struct {
	coord *session.Coordinator
	orch  *survey.Orchestrator
}

// serve handles lines until ctx is done or the channel closes. Malformed or
// failing commands are logged and skipped.
func (h *host) serve(ctx context.Context, lines <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				slog.Info("host: stdin closed, shutting down")
				return nil
			}
			if len(strings.TrimSpace(string(line))) == 0 {
				continue
			}
			cmd, err := parseCommand(line)
			if err != nil {
				slog.Warn("host: skipping command", "error", err)
				continue
			}
			if err := h.handle(ctx, cmd); err != nil {
				slog.Warn("host: command failed", "type", cmd.Type, "error", err)
			}
		}
	}
}

func (h *host) handle(ctx context.Context, cmd command) error {
	switch cmd.Type {
	case CommandStartSession:
		_, err := h.coord.StartSession(ctx, cmd.UserID, cmd.Metadata)
		return err
	case CommandEndSession:
		return h.coord.EndSession(ctx)
	case CommandEvent:
		_, err := h.coord.RecordEvent(ctx, cmd.Name, cmd.Properties)
		return err
	case CommandComplete:
		h.orch.CompleteSurvey(ctx, cmd.RuleID, cmd.Response)
		return nil
	case CommandDismiss:
		h.orch.DismissSurvey(ctx, cmd.RuleID)
		return nil
	}
	return fmt.Errorf("%w: unknown type %q", errInvalidCommand, cmd.Type)
}
