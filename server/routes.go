// Package server exposes a loaded checkpoint over HTTP.
package server

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/exp/rand"

	"github.com/ollama/diffusion/api"
	"github.com/ollama/diffusion/checkpoint"
	"github.com/ollama/diffusion/denoiser"
	"github.com/ollama/diffusion/envconfig"
	"github.com/ollama/diffusion/imageproc"
	"github.com/ollama/diffusion/sampler"
	"github.com/ollama/diffusion/schedule"
	"github.com/ollama/diffusion/version"
)

// maxBatchSize bounds the images generated by a single request.
const maxBatchSize = 64

// Server samples from one denoiser. Requests are handled one at a time.
type Server struct {
	mu sync.Mutex

	model denoiser.Denoiser
	hp    checkpoint.Hyperparameters
	info  api.ModelResponse
}

// New serves model, which was trained with hp.
func New(model denoiser.Denoiser, hp checkpoint.Hyperparameters, info api.ModelResponse) *Server {
	shape := hp.Shape()
	info.Channels, info.Height, info.Width = shape[0], shape[1], shape[2]
	info.Classes = hp.Classes
	info.Capabilities = model.Capabilities().String()
	return &Server{model: model, hp: hp, info: info}
}

// Load opens the checkpoint at path.
func Load(path string, threads int) (*Server, error) {
	c, err := checkpoint.Load(path)
	if err != nil {
		return nil, err
	}

	model, err := c.Model(threads)
	if err != nil {
		return nil, err
	}

	var params int
	for _, p := range model.Parameters() {
		rows, cols := p.Value.Dims()
		params += rows * cols
	}

	return New(model, c.Hyperparameters, api.ModelResponse{
		Path:       path,
		Epoch:      c.Epoch(),
		RunID:      c.Metadata[checkpoint.KeyRunID],
		Parameters: params,
	}), nil
}

func (s *Server) GenerateRoutes() http.Handler {
	config := cors.DefaultConfig()
	config.AllowWildcard = true
	config.AllowBrowserExtensions = true
	config.AllowOrigins = envconfig.AllowOrigins

	r := gin.Default()
	r.Use(cors.New(config))

	r.POST("/api/sample", s.SampleHandler)
	r.GET("/api/schedule", s.ScheduleHandler)
	r.GET("/api/show", s.ShowHandler)
	r.GET("/api/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, api.VersionResponse{Version: version.Version})
	})

	for _, method := range []string{http.MethodGet, http.MethodHead} {
		r.Handle(method, "/", func(c *gin.Context) {
			c.String(http.StatusOK, "diffusion is running")
		})
	}

	return r
}

func (s *Server) options(req api.SampleRequest) sampler.Options {
	opts := sampler.DefaultOptions()
	if req.BatchSize > 0 {
		opts.BatchSize = req.BatchSize
	}
	if req.ClassLabel != nil {
		opts.ClassLabel = *req.ClassLabel
	}
	if req.DDIMScale != nil {
		opts.DDIMScale = *req.DDIMScale
	}
	if req.StepSize > 0 {
		opts.StepSize = req.StepSize
	}
	opts.GuidanceScale = req.GuidanceScale
	return opts
}

func (s *Server) SampleHandler(c *gin.Context) {
	var req api.SampleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	opts := s.options(req)
	if opts.BatchSize > maxBatchSize {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("batch_size must be at most %d", maxBatchSize)})
		return
	}

	family, err := s.hp.Family()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	seed := req.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	started := time.Now()
	smp, err := sampler.New(s.model, family, s.hp.T, s.hp.Shape(), rand.NewSource(seed))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	res, err := smp.Sample(opts, nil)
	switch {
	case errors.Is(err, sampler.ErrOptions), errors.Is(err, denoiser.ErrUnconditional):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		slog.Error("sample failed", "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := api.SampleResponse{Steps: res.Steps, Seed: seed}
	for i := range opts.BatchSize {
		img, err := imageproc.Image(res.Images, i)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		var buf bytes.Buffer
		if err := imageproc.Encode(&buf, img); err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		resp.Images = append(resp.Images, base64.StdEncoding.EncodeToString(buf.Bytes()))
	}
	resp.TotalDuration = time.Since(started)

	slog.Info("sampled", "images", opts.BatchSize, "steps", res.Steps, "seed", seed, "duration", resp.TotalDuration)
	c.JSON(http.StatusOK, resp)
}

func (s *Server) ScheduleHandler(c *gin.Context) {
	step := 1
	if v := c.Query("step"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid step %q", v)})
			return
		}
		step = n
	}

	family, err := s.hp.Family()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	sched, err := schedule.NewStrided(family, s.hp.T, step)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp := api.ScheduleResponse{Family: string(family), T: sched.T(), Step: sched.Step()}
	for i := range sched.Len() {
		resp.Rows = append(resp.Rows, sched.Row(i))
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) ShowHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.info)
}

// Serve handles requests on ln until it is closed.
func Serve(ln net.Listener, s *Server) error {
	if !envconfig.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	slog.Info("Listening on", "address", ln.Addr(), "version", version.Version, "model", s.info.Path)
	srvr := &http.Server{
		Handler: s.GenerateRoutes(),
	}
	return srvr.Serve(ln)
}
