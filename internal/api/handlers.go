package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sleepstars/localbrain/internal/models"
	"github.com/sleepstars/localbrain/internal/orchestrator"
)

// ChatRequest is the body of the simple /chat endpoint.
type ChatRequest struct {
	Prompt string `json:"prompt" binding:"required"`
	Model  string `json:"model"`
	UseRAG *bool  `json:"use_rag"`
}

// ChatResponse carries the reply text and the full completion.
type ChatResponse struct {
	Reply string                         `json:"reply"`
	Raw   *models.ChatCompletionResponse `json:"raw"`
}

// writeBindError answers a body that could not be decoded.
func (s *Server) writeBindError(c *gin.Context, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		s.logger.Warn("Rejected %s body over %d bytes", c.Request.URL.Path, tooLarge.Limit)
		c.JSON(http.StatusRequestEntityTooLarge, errorResponse(fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit), typeInvalidRequest))
		return
	}
	c.JSON(http.StatusBadRequest, errorResponse("invalid request body: "+err.Error(), typeInvalidRequest))
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listModels(c *gin.Context) {
	c.JSON(http.StatusOK, models.ModelList{
		Object: models.ObjectList,
		Data: []models.Model{{
			ID:      s.model.ID,
			Object:  models.ObjectModel,
			OwnedBy: s.model.OwnedBy,
		}},
	})
}

func (s *Server) chatCompletions(c *gin.Context) {
	var body models.ChatCompletionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.writeBindError(c, err)
		return
	}

	req, err := body.ToCompletionRequest()
	if err != nil {
		s.writeError(c, err)
		return
	}

	if req.Stream {
		s.streamCompletion(c, req)
		return
	}

	resp, err := s.pipeline.Complete(c.Request.Context(), req, orchestrator.SourceAPI)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// streamCompletion writes the completion as server-sent events ending with
// the [DONE] sentinel.
func (s *Server) streamCompletion(c *gin.Context, req *models.CompletionRequest) {
	ctx := c.Request.Context()
	stream, err := s.pipeline.Stream(ctx, req, orchestrator.SourceAPI)
	if err != nil {
		s.writeError(c, err)
		return
	}
	defer stream.Close()

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	for {
		select {
		case <-ctx.Done():
			s.logger.Warn("Client went away during stream %s", stream.ID())
			return
		case chunk, ok := <-stream.Chunks():
			if !ok {
				if err := stream.Err(); err != nil {
					s.logger.WithError(err).Warn("Stream %s ended with an error", stream.ID())
				}
				fmt.Fprint(c.Writer, "data: [DONE]\n\n")
				c.Writer.Flush()
				return
			}
			if err := writeEvent(c, chunk); err != nil {
				s.logger.WithError(err).Warn("Failed to write chunk for stream %s", stream.ID())
				return
			}
		}
	}
}

func writeEvent(c *gin.Context, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
		return err
	}
	c.Writer.Flush()
	return nil
}

// chat answers a single prompt without conversation history.
func (s *Server) chat(c *gin.Context) {
	var body ChatRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.writeBindError(c, err)
		return
	}

	req := &models.CompletionRequest{
		Model:    body.Model,
		Messages: []models.ChatMessage{{Role: models.RoleUser, Content: body.Prompt}},
		NoRAG:    body.UseRAG != nil && !*body.UseRAG,
	}
	resp, err := s.pipeline.Complete(c.Request.Context(), req, orchestrator.SourceCLI)
	if err != nil {
		s.writeError(c, err)
		return
	}

	reply := ""
	if len(resp.Choices) > 0 {
		reply = resp.Choices[0].Message.Content
	}
	c.JSON(http.StatusOK, ChatResponse{Reply: reply, Raw: resp})
}
