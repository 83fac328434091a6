package dossiers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/MTES-MCT/fonds-prevention-argile/internal/models"
)

const dossierQuery = `query getDossier($number: Int!) {
  dossier(number: $number) {
    number
    state
    dateDepot
    dateTraitement
    demarche { number }
  }
}`

// maxErrorBody caps how much of an error response ends up in logs
const maxErrorBody = 512

// Client reads case files from the Démarches Simplifiées GraphQL API
type Client struct {
	endpoint string
	token    string
	client   *http.Client
}

type graphQLRequest struct {
	Query         string                 `json:"query"`
	OperationName string                 `json:"operationName"`
	Variables     map[string]interface{} `json:"variables"`
}

type dossierResponse struct {
	Data struct {
		Dossier *struct {
			Number         int        `json:"number"`
			State          string     `json:"state"`
			DateDepot      *time.Time `json:"dateDepot"`
			DateTraitement *time.Time `json:"dateTraitement"`
			Demarche       struct {
				Number int `json:"number"`
			} `json:"demarche"`
		} `json:"dossier"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// NewClient creates a client with a per-request timeout
func NewClient(endpoint, token string, timeout time.Duration) *Client {
	return &Client{
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: timeout},
	}
}

// FetchCaseFile returns the current state of a case file. Every failure, transport,
// timeout, HTTP status or GraphQL error, is an *models.ExternalServiceError.
func (c *Client) FetchCaseFile(ctx context.Context, demarcheID, number string) (*models.RemoteCaseFile, error) {
	fail := func(err error) error { return &models.ExternalServiceError{Op: "fetch dossier " + number, Err: err} }

	n, err := strconv.Atoi(number)
	if err != nil {
		return nil, fail(fmt.Errorf("invalid dossier number %q", number))
	}
	body, err := json.Marshal(graphQLRequest{
		Query:         dossierQuery,
		OperationName: "getDossier",
		Variables:     map[string]interface{}{"number": n},
	})
	if err != nil {
		return nil, fail(fmt.Errorf("failed to marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fail(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fail(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fail(fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}

	var out dossierResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fail(fmt.Errorf("failed to decode response: %w", err))
	}
	if len(out.Errors) > 0 {
		msgs := make([]string, 0, len(out.Errors))
		for _, e := range out.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, fail(fmt.Errorf("graphql: %s", strings.Join(msgs, "; ")))
	}
	d := out.Data.Dossier
	if d == nil {
		return nil, fail(fmt.Errorf("dossier %s not found", number))
	}
	if demarcheID != "" && strconv.Itoa(d.Demarche.Number) != demarcheID {
		return nil, fail(fmt.Errorf("dossier %s belongs to demarche %d, expected %s", number, d.Demarche.Number, demarcheID))
	}
	status, ok := MapState(d.State)
	if !ok {
		return nil, fail(fmt.Errorf("unknown dossier state %q", d.State))
	}

	remote := &models.RemoteCaseFile{
		Number:      strconv.Itoa(d.Number),
		Status:      status,
		SubmittedAt: d.DateDepot,
	}
	if status.IsTerminal() {
		remote.DecidedAt = d.DateTraitement
	}
	return remote, nil
}

// MapState converts a platform state into a lifecycle status
func MapState(state string) (models.ExternalStatus, bool) {
	switch state {
	case "brouillon":
		return models.ExternalDraft, true
	case "en_construction":
		return models.ExternalSubmitted, true
	case "en_instruction":
		return models.ExternalUnderExternalReview, true
	case "accepte":
		return models.ExternalAccepted, true
	case "refuse":
		return models.ExternalRejected, true
	case "sans_suite":
		return models.ExternalWithdrawn, true
	default:
		return "", false
	}
}
