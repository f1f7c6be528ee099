package responder

import (
	"encoding/json"
	"math/big"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/remiblancher/ocsp-response-fetch/internal/audit"
	"github.com/remiblancher/ocsp-response-fetch/internal/logging"
	"github.com/remiblancher/ocsp-response-fetch/internal/ocsp"
)

const (
	contentTypeResponse = "application/ocsp-response"
	contentTypeCert     = "application/pkix-cert"

	headerRequestID = "X-Request-Id"
)

// Served records the status returned for one single request.
type Served struct {
	Serial *big.Int
	Status ocsp.CertStatus
}

// HandlerOptions wires the ambient concerns of the HTTP handler.
type HandlerOptions struct {
	Logger   *zerolog.Logger
	Audit    *audit.Recorder
	Registry *prometheus.Registry
	Version  string
}

type handler struct {
	responder *Responder
	log       zerolog.Logger
	audit     *audit.Recorder
	version   string

	requests *prometheus.CounterVec
	entries  *prometheus.CounterVec
	latency  prometheus.Histogram
}

// NewHandler returns the HTTP routes of the responder:
//
//	POST /          DER request body
//	GET  /{base64}  RFC 6960 §A.1 GET form
//	GET  /ca.der    issuing CA certificate, for caIssuers
//	GET  /health    liveness
//	GET  /metrics   Prometheus metrics
func NewHandler(r *Responder, opts HandlerOptions) http.Handler {
	h := &handler{
		responder: r,
		log:       logging.Logger,
		audit:     opts.Audit,
		version:   opts.Version,
	}
	if opts.Logger != nil {
		h.log = *opts.Logger
	}

	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	h.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ocspfetch_responder_requests_total",
		Help: "total number of OCSP requests by method and response status",
	}, []string{"method", "response_status"})
	h.entries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ocspfetch_responder_cert_status_total",
		Help: "total number of certificate statuses served",
	}, []string{"cert_status"})
	h.latency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ocspfetch_responder_request_duration_seconds",
		Help:    "time spent answering OCSP requests",
		Buckets: prometheus.DefBuckets,
	})
	reg.MustRegister(h.requests, h.entries, h.latency)

	router := chi.NewRouter()
	router.Use(h.recoverer)
	router.Use(h.logRequests)

	router.Get("/health", h.health)
	router.Get("/ca.der", h.caCert)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	router.Post("/", h.ocsp)
	router.Get("/*", h.ocsp)

	return router
}

func (h *handler) ocsp(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := ocsp.StatusSuccessful
	var der []byte

	req, err := ocsp.ParseRequestFromHTTP(r)
	if err != nil {
		h.log.Debug().Err(err).Msg("malformed OCSP request")
		status = ocsp.StatusMalformedRequest
		der, err = ocsp.NewMalformedResponse()
	} else {
		var served []Served
		der, served, err = h.responder.Respond(req)
		if err == nil {
			h.record(r, served)
		} else {
			h.log.Error().Err(err).Msg("failed to answer OCSP request")
			status = ocsp.StatusInternalError
			der, err = ocsp.NewInternalErrorResponse()
		}
	}

	h.requests.WithLabelValues(r.Method, status.String()).Inc()
	h.latency.Observe(time.Since(start).Seconds())
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentTypeResponse)
	w.Header().Set("Content-Length", strconv.Itoa(len(der)))
	_, _ = w.Write(der)
}

func (h *handler) record(r *http.Request, served []Served) {
	for _, s := range served {
		h.entries.WithLabelValues(s.Status.String()).Inc()
		serial := ""
		if s.Serial != nil {
			serial = strings.ToUpper(s.Serial.Text(16))
		}
		if err := h.audit.ResponseServed(serial, s.Status.String(), r.RemoteAddr); err != nil {
			h.log.Error().Err(err).Msg("audit write failed")
		}
	}
}

func (h *handler) caCert(w http.ResponseWriter, _ *http.Request) {
	raw := h.responder.CACert().Raw
	w.Header().Set("Content-Type", contentTypeCert)
	w.Header().Set("Content-Length", strconv.Itoa(len(raw)))
	_, _ = w.Write(raw)
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Entries int    `json:"entries"`
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:  "ok",
		Version: h.version,
		Entries: h.responder.Statuses().Len(),
	})
}

// logRequests tags each request with an ID and logs it at debug level.
func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := xid.New()
		w.Header().Set(headerRequestID, id.String())
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(ww, r)

		h.log.Debug().
			Stringer("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.status).
			Dur("duration", time.Since(start)).
			Msg("request served")
	})
}

// recoverer turns a panic into a 500.
func (h *handler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.log.Error().
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter captures the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
