package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/camoverride/emotion-detector/internal/frame"
	"github.com/camoverride/emotion-detector/internal/pipeline"
	"github.com/camoverride/emotion-detector/internal/usecase"
	"github.com/camoverride/emotion-detector/web"
)

// EnvelopeBytes is the allowance for the JSON around a frame's data URI.
const EnvelopeBytes = 1024

// FrameService is the use case behind the frame and metrics routes.
type FrameService interface {
	ProcessFrame(ctx context.Context, req usecase.FrameRequest) (*usecase.FrameOutcome, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// SocketServer runs a websocket session on an upgraded request.
type SocketServer interface {
	Serve(w http.ResponseWriter, r *http.Request, requestType string) error
}

// RequestCatalog reports which request types are configured.
type RequestCatalog interface {
	HasRequestType(name string) bool
}

// Readiness reports the last known availability of every model.
type Readiness interface {
	Ready() map[string]bool
}

type frameBody struct {
	Data string `json:"data" binding:"required"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router. readiness may be nil.
// maxFrameBytes is the largest accepted data URI; zero means frame.DefaultMaxBytes.
func RegisterRoutes(router *gin.Engine, svc FrameService, sockets SocketServer, catalog RequestCatalog, readiness Readiness, maxFrameBytes int, logger *zap.Logger) {
	if maxFrameBytes <= 0 {
		maxFrameBytes = frame.DefaultMaxBytes
	}
	maxBodySize := int64(maxFrameBytes) + EnvelopeBytes

	router.GET("/", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", web.Index)
	})

	router.GET("/health", func(c *gin.Context) {
		resp := gin.H{"status": "ok"}
		if readiness != nil {
			models := readiness.Ready()
			for _, ready := range models {
				if !ready {
					resp["status"] = "degraded"
				}
			}
			resp["models"] = models
		}
		c.JSON(http.StatusOK, resp)
	})

	router.GET("/metrics/summary", func(c *gin.Context) {
		summary, err := svc.GetMetricsSummary(c.Request.Context())
		if errors.Is(err, usecase.ErrMetricsUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})

	router.POST("/v1/frames/:request_type", func(c *gin.Context) {
		requestType := c.Param("request_type")
		if !catalog.HasRequestType(requestType) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown request type"})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
		var body frameBody
		if err := c.ShouldBindJSON(&body); err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "frame too large"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"data\": \"<data uri>\"}"})
			return
		}

		outcome, err := svc.ProcessFrame(c.Request.Context(), usecase.FrameRequest{
			ClientKey:   c.ClientIP(),
			RequestType: requestType,
			Payload:     body.Data,
		})
		if err != nil {
			status, msg := frameErrorStatus(err)
			if status == http.StatusInternalServerError {
				logger.Error("frame request failed", zap.Error(err))
			}
			c.JSON(status, gin.H{"error": msg})
			return
		}

		result := outcome.Result
		c.JSON(http.StatusOK, gin.H{
			"run_id":       outcome.RunID,
			"request_type": result.RequestType,
			"face_found":   result.FaceFound,
			"events":       result.Events(),
			"failures":     result.FailureMessages(),
		})
	})

	router.GET("/ws/:request_type", func(c *gin.Context) {
		requestType := c.Param("request_type")
		if !catalog.HasRequestType(requestType) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown request type"})
			return
		}
		if err := sockets.Serve(c.Writer, c.Request, requestType); err != nil {
			logger.Debug("websocket session rejected", zap.Error(err))
		}
	})
}

func frameErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, frame.ErrDecode):
		return http.StatusBadRequest, "frame could not be decoded"
	case errors.Is(err, pipeline.ErrUnknownRequestType):
		return http.StatusNotFound, "unknown request type"
	case errors.Is(err, usecase.ErrThrottled):
		return http.StatusTooManyRequests, "frame rate limit exceeded"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "frame run timed out"
	default:
		return http.StatusInternalServerError, "frame processing failed"
	}
}
