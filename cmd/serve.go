package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/model"
	"github.com/PSP-learn/klaro-educational-platform-sub000/internal/store"
)

var servePort int

// maxImageBytes bounds uploaded question images.
const maxImageBytes = 10 << 20

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the doubt resolution API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if cfg.Cache.SweepIntervalSec > 0 {
			go env.Cache.RunSweeper(ctx, time.Duration(cfg.Cache.SweepIntervalSec)*time.Second)
		}

		router := newRouter(env)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: router,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx) //nolint:errcheck
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func newRouter(env *env) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/v1/doubts", func(w http.ResponseWriter, req *http.Request) {
		doubt, err := decodeDoubt(req)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := doubt.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		outcome, err := env.Resolver.Resolve(req.Context(), doubt)
		if err != nil {
			zap.L().Error("resolution failed",
				zap.String("user", doubt.UserID),
				zap.Error(err),
			)
			writeError(w, http.StatusInternalServerError, "resolution failed")
			return
		}

		status := http.StatusOK
		if outcome.Status == model.StatusQuotaExhausted {
			status = http.StatusPaymentRequired
		}
		writeJSON(w, status, outcome)
	})

	r.Delete("/v1/cache/{fingerprint}", func(w http.ResponseWriter, req *http.Request) {
		fingerprint := chi.URLParam(req, "fingerprint")
		if err := env.Cache.Invalidate(req.Context(), fingerprint); err != nil {
			zap.L().Error("cache invalidation failed",
				zap.String("fingerprint", fingerprint), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "cache invalidation failed")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get("/v1/quota/{user}", func(w http.ResponseWriter, req *http.Request) {
		userID := chi.URLParam(req, "user")
		plan, err := model.ParsePlanTier(req.URL.Query().Get("plan"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		report, err := env.Ledger.Usage(req.Context(), userID, plan)
		if err != nil {
			zap.L().Error("quota lookup failed", zap.String("user", userID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "quota lookup failed")
			return
		}
		writeJSON(w, http.StatusOK, report)
	})

	r.Get("/v1/stats", func(w http.ResponseWriter, req *http.Request) {
		window := 24 * time.Hour
		if raw := req.URL.Query().Get("window"); raw != "" {
			parsed, err := time.ParseDuration(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid window duration")
				return
			}
			window = parsed
		}

		summary, err := env.Recorder.Summary(req.Context(), window)
		if err != nil {
			zap.L().Error("stats query failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "stats query failed")
			return
		}
		writeJSON(w, http.StatusOK, struct {
			*store.Summary
			Breakers map[string]string `json:"breakers"`
		}{summary, breakerStates(env)})
	})

	return r
}

// decodeDoubt accepts either a JSON body with a base64 image field or a
// multipart form with an image file part.
func decodeDoubt(req *http.Request) (model.DoubtRequest, error) {
	contentType := req.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		if err := req.ParseMultipartForm(maxImageBytes); err != nil {
			return model.DoubtRequest{}, eris.New("invalid multipart form")
		}

		var image []byte
		if file, _, err := req.FormFile("image"); err == nil {
			defer file.Close() //nolint:errcheck
			image, err = io.ReadAll(io.LimitReader(file, maxImageBytes))
			if err != nil {
				return model.DoubtRequest{}, eris.New("failed to read image part")
			}
		}

		plan, err := model.ParsePlanTier(req.FormValue("plan"))
		if err != nil {
			return model.DoubtRequest{}, err
		}
		return model.DoubtRequest{
			Text:    req.FormValue("text"),
			Image:   image,
			Subject: req.FormValue("subject"),
			UserID:  req.FormValue("user_id"),
			Plan:    plan,
		}, nil
	}

	var body struct {
		Text    string `json:"text"`
		Image   string `json:"image"` // base64 encoded
		Subject string `json:"subject"`
		UserID  string `json:"user_id"`
		Plan    string `json:"plan"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return model.DoubtRequest{}, eris.New("invalid request body")
	}

	plan, err := model.ParsePlanTier(body.Plan)
	if err != nil {
		return model.DoubtRequest{}, err
	}

	var image []byte
	if body.Image != "" {
		image, err = base64.StdEncoding.DecodeString(body.Image)
		if err != nil {
			return model.DoubtRequest{}, eris.New("image is not valid base64")
		}
	}

	return model.DoubtRequest{
		Text:    body.Text,
		Image:   image,
		Subject: body.Subject,
		UserID:  body.UserID,
		Plan:    plan,
	}, nil
}

func breakerStates(env *env) map[string]string {
	states := make(map[string]string)
	for name, st := range env.Breakers.States() {
		states[name] = st.String()
	}
	return states
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
