// Package a2a is a minimal client for the Agent-to-Agent JSON-RPC protocol
// spoken by the shopping agent. Only the calls the concierge needs are
// implemented: streaming a message and fetching the agent card.
package a2a

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const (
	defaultCardPath = "/.well-known/agent-card.json"
	jsonRPCVersion  = "2.0"
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithAPIKey sends the key as a bearer token.
func WithAPIKey(apiKey string) ClientOption {
	return func(c *Client) {
		c.apiKey = apiKey
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithCardPath overrides the agent card location relative to the base URL.
func WithCardPath(path string) ClientOption {
	return func(c *Client) {
		if path != "" {
			c.cardPath = "/" + strings.TrimPrefix(path, "/")
		}
	}
}

// ErrMalformedEvent wraps stream events that could not be decoded. The stream
// stays usable after one.
var ErrMalformedEvent = errors.New("malformed stream event")

// Client talks to one A2A agent.
type Client struct {
	baseURL    string
	apiKey     string
	cardPath   string
	httpClient *http.Client
}

// NewClient creates a client for the agent served at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		cardPath:   defaultCardPath,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the agent base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// NewUserMessage builds a user message with an optional inline image.
func NewUserMessage(text, contextID string, image *FileContent) Message {
	msg := Message{
		Kind:      KindMessage,
		MessageID: uuid.NewString(),
		Role:      "user",
		ContextID: contextID,
	}
	if text != "" {
		msg.Parts = append(msg.Parts, Part{Kind: PartKindText, Text: text})
	}
	if image != nil {
		msg.Parts = append(msg.Parts, Part{Kind: PartKindFile, File: image})
	}
	return msg
}

// InlineFile encodes data as an inline file part.
func InlineFile(name, mimeType string, data []byte) *FileContent {
	return &FileContent{
		Name:     name,
		MimeType: mimeType,
		Bytes:    base64.StdEncoding.EncodeToString(data),
	}
}

// StreamMessage sends params with message/stream and returns the SSE stream.
func (c *Client) StreamMessage(ctx context.Context, params *MessageSendParams) (*Stream, error) {
	body, err := json.Marshal(JSONRPCRequest{
		JSONRPC: jsonRPCVersion,
		ID:      uuid.NewString(),
		Method:  MethodMessageStream,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		if rpcErr := parseRPCError(respBody); rpcErr != nil {
			return nil, rpcErr
		}
		return nil, fmt.Errorf("A2A error (status %d): %s", resp.StatusCode, string(respBody))
	}

	// Some servers answer a failed stream request with a single JSON body.
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		defer resp.Body.Close()
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		if rpcErr := parseRPCError(respBody); rpcErr != nil {
			return nil, rpcErr
		}
		return newStream(io.NopCloser(bytes.NewReader(sseFromJSON(respBody)))), nil
	}

	return newStream(resp.Body), nil
}

// GetAgentCard fetches the agent card.
func (c *Client) GetAgentCard(ctx context.Context) (*AgentCard, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.cardPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("A2A error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var card AgentCard
	if err := json.Unmarshal(respBody, &card); err != nil {
		return nil, fmt.Errorf("failed to unmarshal agent card: %w", err)
	}
	return &card, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func parseRPCError(body []byte) *RPCError {
	var resp JSONRPCResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil
	}
	return resp.Error
}

func sseFromJSON(body []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("data: ")
	buf.Write(bytes.ReplaceAll(bytes.TrimSpace(body), []byte("\n"), []byte("\ndata: ")))
	buf.WriteString("\n\n")
	return buf.Bytes()
}

// Stream reads JSON-RPC responses from a message/stream SSE body.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	closeOnce sync.Once
	closeErr  error
}

func newStream(body io.ReadCloser) *Stream {
	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	return &Stream{body: body, scanner: scanner}
}

// Next returns the next stream result. It returns io.EOF when the stream
// ends, an *RPCError when the server reports one, and an error wrapping
// ErrMalformedEvent for an undecodable event.
func (s *Stream) Next() (*StreamResult, error) {
	var data []string

	for {
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, fmt.Errorf("stream read error: %w", err)
			}
			if len(data) > 0 {
				return decodeEvent(strings.Join(data, "\n"))
			}
			return nil, io.EOF
		}

		line := s.scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				return decodeEvent(strings.Join(data, "\n"))
			}
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

// Close releases the underlying body. It is safe to call more than once and
// from another goroutine than Next.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}

func decodeEvent(data string) (*StreamResult, error) {
	var resp JSONRPCResponse
	if err := json.Unmarshal([]byte(data), &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	var result StreamResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return &result, nil
}
