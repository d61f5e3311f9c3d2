package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"

	"voicelab/internal/domain"
	"voicelab/internal/logging"
)

const defaultBaseURL = "http://localhost:8000"

// RequestObserver records REST call outcomes.
type RequestObserver interface {
	RecordBackendRequest(method, endpoint, statusCode string, duration time.Duration)
}

// Config controls the training backend REST client.
type Config struct {
	BaseURL  string
	Token    string
	Timeout  time.Duration
	Client   *http.Client
	Observer RequestObserver
}

// Client reads scenario/role data and stores session history. It implements
// ports.ContextSource and ports.ReportStore.
type Client struct {
	baseURL  string
	token    string
	client   *http.Client
	observer RequestObserver
}

func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:  baseURL,
		token:    strings.TrimSpace(cfg.Token),
		client:   client,
		observer: cfg.Observer,
	}
}

// StatusError is a non-2xx response.
type StatusError struct {
	Method     string
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s returned %d: %s", e.Method, e.Endpoint, e.StatusCode, e.Body)
}

type scenarioResponse struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Subtitle        string `json:"subtitle"`
	Description     string `json:"description"`
	Workflow        string `json:"workflow"`
	KnowledgePoints string `json:"knowledge_points"`
	KnowledgeCamel  string `json:"knowledgePoints"`
}

type roleResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	NameCN      string `json:"name_cn"`
	NameCNCamel string `json:"nameCN"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Hostility   int    `json:"hostility"`
	Verbosity   int    `json:"verbosity"`
	Skepticism  int    `json:"skepticism"`
	Addon       string `json:"system_prompt_addon"`
	AddonCamel  string `json:"systemPromptAddon"`
}

// FetchContext loads the scenario and role used to condition the persona.
func (c *Client) FetchContext(ctx context.Context, scenarioID string, roleID string) (domain.PersonaContext, error) {
	var scenarios []scenarioResponse
	if err := c.do(ctx, http.MethodGet, "/api/data/scenarios", nil, &scenarios); err != nil {
		return domain.PersonaContext{}, fmt.Errorf("load scenarios: %w", err)
	}
	var roles []roleResponse
	if err := c.do(ctx, http.MethodGet, "/api/data/roles", nil, &roles); err != nil {
		return domain.PersonaContext{}, fmt.Errorf("load roles: %w", err)
	}

	scenario, ok := lo.Find(scenarios, func(s scenarioResponse) bool { return s.ID == scenarioID })
	if !ok {
		return domain.PersonaContext{}, fmt.Errorf("scenario %q: %w", scenarioID, domain.ErrContextNotFound)
	}
	role, ok := lo.Find(roles, func(r roleResponse) bool { return r.ID == roleID })
	if !ok {
		return domain.PersonaContext{}, fmt.Errorf("role %q: %w", roleID, domain.ErrContextNotFound)
	}

	return domain.PersonaContext{
		Scenario: domain.Scenario{
			ID:              scenario.ID,
			Title:           scenario.Title,
			Subtitle:        scenario.Subtitle,
			Description:     scenario.Description,
			Workflow:        scenario.Workflow,
			KnowledgePoints: lo.CoalesceOrEmpty(scenario.KnowledgePoints, scenario.KnowledgeCamel),
		},
		Role: domain.Role{
			ID:                role.ID,
			Name:              role.Name,
			NameCN:            lo.CoalesceOrEmpty(role.NameCN, role.NameCNCamel),
			Title:             role.Title,
			Description:       role.Description,
			Hostility:         role.Hostility,
			Verbosity:         role.Verbosity,
			Skepticism:        role.Skepticism,
			SystemPromptAddon: lo.CoalesceOrEmpty(role.Addon, role.AddonCamel),
		},
	}, nil
}

type historyMessage struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

type historyRequest struct {
	ScenarioID      string           `json:"scenario_id"`
	RoleID          string           `json:"role_id"`
	Score           int              `json:"score"`
	DurationSeconds int              `json:"duration_seconds"`
	Messages        []historyMessage `json:"messages"`
	StartTime       string           `json:"start_time"`
	EndTime         string           `json:"end_time"`
}

// SaveReport posts a finished session to the history endpoint.
func (c *Client) SaveReport(ctx context.Context, report domain.SessionReport) error {
	body := historyRequest{
		ScenarioID:      report.ScenarioID,
		RoleID:          report.RoleID,
		Score:           report.Score,
		DurationSeconds: report.DurationSeconds,
		Messages: lo.Map(report.Messages, func(m domain.ChatMessage, _ int) historyMessage {
			return historyMessage{ID: m.ID, Role: string(m.Role), Type: string(m.Kind), Content: m.Content}
		}),
		StartTime: report.StartTime.UTC().Format(time.RFC3339Nano),
		EndTime:   report.EndTime.UTC().Format(time.RFC3339Nano),
	}
	if err := c.do(ctx, http.MethodPost, "/api/history", body, nil); err != nil {
		return fmt.Errorf("save session history: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, in any, out any) error {
	var reader io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	started := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.observe(method, endpoint, "error", started)
		logging.Warnw("backend request failed", "method", method, "endpoint", endpoint, "error", err)
		return err
	}
	defer resp.Body.Close()
	c.observe(method, endpoint, strconv.Itoa(resp.StatusCode), started)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Method: method, Endpoint: endpoint, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	logging.Debugw("backend request", "method", method, "endpoint", endpoint, "status", resp.StatusCode, "duration", time.Since(started))

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

func (c *Client) observe(method, endpoint, status string, started time.Time) {
	if c.observer == nil {
		return
	}
	c.observer.RecordBackendRequest(method, endpoint, status, time.Since(started))
}
