package mocks

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gin-gonic/gin"

	"github.com/sleepstars/localbrain/internal/models"
)

const embeddingDims = 64

// EngineOptions shapes the behaviour of the mock inference engine.
type EngineOptions struct {
	Model string
	// DropAfter aborts streamed responses after this many content chunks. 0 never drops.
	DropAfter int
	// FailStatus makes chat completions answer with this HTTP status.
	FailStatus int
	// Delay is applied before answering chat completions.
	Delay time.Duration
}

// EngineServer is an OpenAI-compatible engine that echoes the user and the
// retrieved context it was given.
type EngineServer struct {
	opts EngineOptions

	mu       sync.Mutex
	chats    int
	lastChat *models.ChatCompletionRequest
}

// NewEngineServer creates a mock engine.
func NewEngineServer(opts EngineOptions) *EngineServer {
	if opts.Model == "" {
		opts.Model = "mock-model"
	}
	return &EngineServer{opts: opts}
}

// Handler returns the gin engine serving /v1/chat/completions, /v1/embeddings and /v1/models.
func (s *EngineServer) Handler() http.Handler {
	r := gin.New()
	r.POST("/v1/chat/completions", s.handleChat)
	r.POST("/v1/embeddings", s.handleEmbeddings)
	r.GET("/v1/models", func(c *gin.Context) {
		c.JSON(http.StatusOK, models.ModelList{
			Object: models.ObjectList,
			Data:   []models.Model{{ID: s.opts.Model, Object: models.ObjectModel, OwnedBy: "mock"}},
		})
	})
	return r
}

// ChatRequests returns how many chat completion requests were received.
func (s *EngineServer) ChatRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chats
}

// LastChatRequest returns the most recent chat completion request, or nil.
func (s *EngineServer) LastChatRequest() *models.ChatCompletionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastChat
}

// Reply is the content the engine answers req with.
func Reply(req *models.ChatCompletionRequest) string {
	var system, user string
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = m.Content
		case "user":
			user = m.Content
		}
	}

	reply := "Echo: " + user
	if idx := strings.Index(system, models.ContextHeader); idx >= 0 {
		reply += "\n\nBased on:\n" + strings.TrimSpace(system[idx+len(models.ContextHeader):])
	}
	return reply
}

func (s *EngineServer) handleChat(c *gin.Context) {
	var req models.ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: models.ErrorBody{Message: err.Error(), Type: "invalid_request_error"}})
		return
	}

	s.mu.Lock()
	s.chats++
	s.lastChat = &req
	s.mu.Unlock()

	if s.opts.Delay > 0 {
		select {
		case <-time.After(s.opts.Delay):
		case <-c.Request.Context().Done():
			return
		}
	}
	if s.opts.FailStatus != 0 {
		c.JSON(s.opts.FailStatus, models.ErrorResponse{Error: models.ErrorBody{Message: "mock engine failure", Type: "server_error"}})
		return
	}

	content := Reply(&req)
	usage := &models.Usage{PromptTokens: countWords(req.Messages), CompletionTokens: len(strings.Fields(content))}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	if !req.Stream {
		c.JSON(http.StatusOK, models.ChatCompletionResponse{
			ID:      "chatcmpl-mock",
			Object:  models.ObjectChatCompletion,
			Created: time.Now().Unix(),
			Model:   s.opts.Model,
			Choices: []models.ChatCompletionChoice{{
				Message:      models.ChatCompletionMessage{Role: "assistant", Content: content},
				FinishReason: string(models.FinishStop),
			}},
			Usage: usage,
		})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)

	for i, part := range strings.SplitAfter(content, " ") {
		if s.opts.DropAfter > 0 && i == s.opts.DropAfter {
			s.abort(c)
			return
		}
		writeEvent(c, chunk(s.opts.Model, models.ChatCompletionDelta{Content: part}, nil))
	}

	stop := string(models.FinishStop)
	writeEvent(c, chunk(s.opts.Model, models.ChatCompletionDelta{}, &stop))
	writeEvent(c, map[string]interface{}{"id": "chatcmpl-mock", "object": models.ObjectChatCompletionChunk, "choices": []interface{}{}, "usage": usage})
	fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	c.Writer.Flush()
}

// abort closes the connection mid-response, the way a crashed engine would.
func (s *EngineServer) abort(c *gin.Context) {
	c.Writer.Flush()
	conn, _, err := c.Writer.Hijack()
	if err != nil {
		panic(http.ErrAbortHandler)
	}
	conn.Close()
}

func chunk(model string, delta models.ChatCompletionDelta, finish *string) models.ChatCompletionChunk {
	return models.ChatCompletionChunk{
		ID:      "chatcmpl-mock",
		Object:  models.ObjectChatCompletionChunk,
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []models.ChatCompletionChunkChoice{{Delta: delta, FinishReason: finish}},
	}
}

func writeEvent(c *gin.Context, v interface{}) {
	data, _ := json.Marshal(v)
	fmt.Fprintf(c.Writer, "data: %s\n\n", data)
	c.Writer.Flush()
}

func countWords(msgs []models.ChatCompletionMessage) int {
	n := 0
	for _, m := range msgs {
		n += len(strings.Fields(m.Content))
	}
	return n
}

type embeddingRequest struct {
	Input json.RawMessage `json:"input"`
	Model string          `json:"model"`
}

func (s *EngineServer) handleEmbeddings(c *gin.Context) {
	var req embeddingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: models.ErrorBody{Message: err.Error(), Type: "invalid_request_error"}})
		return
	}

	var inputs []string
	if err := json.Unmarshal(req.Input, &inputs); err != nil {
		var single string
		if err := json.Unmarshal(req.Input, &single); err != nil {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: models.ErrorBody{Message: "input must be a string or list of strings", Type: "invalid_request_error"}})
			return
		}
		inputs = []string{single}
	}

	data := make([]gin.H, len(inputs))
	for i, text := range inputs {
		data[i] = gin.H{"object": "embedding", "index": i, "embedding": Embed(text)}
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "model": req.Model, "data": data})
}

// Embed is a deterministic bag-of-words embedding: texts sharing words score
// higher under cosine similarity.
func Embed(text string) []float32 {
	vec := make([]float32, embeddingDims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		h.Write([]byte(w))
		vec[h.Sum32()%embeddingDims]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}
