package proxy

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/gluk-w/claworc/metering-proxy/internal/ledger"
	"github.com/gluk-w/claworc/metering-proxy/internal/logging"
	"github.com/gluk-w/claworc/metering-proxy/internal/pricing"
	"github.com/gluk-w/claworc/metering-proxy/internal/providers"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// HeaderModelSubstituted reports "<requested>-><used>" on downgraded requests.
const HeaderModelSubstituted = "X-Model-Substituted"

// Request headers that are not forwarded upstream. Accept-Encoding is left to
// the transport so response bodies arrive decoded for usage extraction.
var skipRequestHeaders = map[string]bool{
	"Authorization":     true,
	"X-Api-Key":         true,
	"Host":              true,
	"Content-Length":    true,
	"Accept-Encoding":   true,
	"Connection":        true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
}

var skipResponseHeaders = map[string]bool{
	"Content-Length":    true,
	"Connection":        true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
}

type HandlerConfig struct {
	Provider          providers.Provider
	Client            *http.Client
	Keys              *KeyResolver
	Prices            *pricing.Table
	MarkupBasisPoints int64
	Ledger            *ledger.Ledger
	Auth              *Authenticator
	Gate              *Gate
}

// Handler forwards Messages requests upstream and bills the usage reported
// in the response.
type Handler struct {
	provider providers.Provider
	client   *http.Client
	keys     *KeyResolver
	prices   *pricing.Table
	markupBP int64
	ledger   *ledger.Ledger
	auth     *Authenticator
	gate     *Gate
}

func NewHandler(cfg HandlerConfig) *Handler {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &Handler{
		provider: cfg.Provider,
		client:   client,
		keys:     cfg.Keys,
		prices:   cfg.Prices,
		markupBP: cfg.MarkupBasisPoints,
		ledger:   cfg.Ledger,
		auth:     cfg.Auth,
		gate:     cfg.Gate,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	inst := InstanceFrom(r.Context())
	if inst == nil {
		writeError(w, http.StatusUnauthorized, CodeMissingAPIKey, "API key is required", nil)
		return
	}
	entry := log.WithFields(log.Fields{"instance": inst.ID, "account": inst.AccountID})

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidJSON, "Failed to read request body", nil)
		return
	}
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		writeError(w, http.StatusBadRequest, CodeInvalidJSON, "Request body must be a JSON object", nil)
		return
	}

	requested := gjson.GetBytes(body, "model").String()
	model := requested
	if d := DecisionFrom(r.Context()); d.Downgrade && h.pricierThan(requested, d.Model) {
		body, err = sjson.SetBytes(body, "model", d.Model)
		if err != nil {
			entry.WithError(err).Error("model substitution failed")
			writeError(w, http.StatusInternalServerError, CodeInternal, "Model substitution failed", nil)
			return
		}
		model = d.Model
		w.Header().Set(HeaderModelSubstituted, requested+"->"+model)
		entry.WithFields(log.Fields{
			"requested": logging.Sanitize(requested),
			"model":     model,
		}).Info("model substituted")
	}
	streaming := gjson.GetBytes(body, "stream").Bool()

	apiKey, err := h.keys.Resolve(r.Context(), inst)
	if err != nil {
		entry.WithError(err).Error("upstream key unavailable")
		writeError(w, http.StatusInternalServerError, CodeMisconfigured, "No upstream API key is configured", nil)
		return
	}

	upstreamURL := h.provider.MessagesURL()
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}
	upstreamReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, upstreamURL, bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, "Failed to create upstream request", nil)
		return
	}
	for key, vals := range r.Header {
		if skipRequestHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, v := range vals {
			upstreamReq.Header.Add(key, v)
		}
	}
	h.provider.ApplyHeaders(upstreamReq.Header, apiKey)

	resp, err := h.client.Do(upstreamReq)
	if err != nil {
		entry.WithError(err).Warn("upstream request failed")
		writeError(w, http.StatusBadGateway, CodeUpstreamUnreachable, "Failed to reach upstream provider", nil)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Upstream errors go back verbatim and are not billed.
		copyResponseHeaders(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
		entry.WithField("status", resp.StatusCode).Info("upstream returned an error")
		return
	}

	if streaming && isEventStream(resp.Header) {
		h.serveStream(w, r, resp, inst, model)
		return
	}
	h.serveBody(w, r, resp, inst, model)
}

func (h *Handler) serveStream(w http.ResponseWriter, r *http.Request, resp *http.Response, inst *Instance, model string) {
	copyResponseHeaders(w.Header(), resp.Header)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(resp.StatusCode)

	parser := NewStreamParser()
	if err := pipeStream(w, resp.Body, parser); err != nil && !errors.Is(err, io.EOF) {
		log.WithError(err).WithField("instance", inst.ID).Info("stream ended early")
	}

	usage, seen := parser.Finish()
	if !seen {
		log.WithField("instance", inst.ID).Warn("stream carried no usage, request not billed")
		return
	}
	if model == "" {
		model = parser.Model()
	}
	h.bill(r.Context(), inst, model, usage)
}

func (h *Handler) serveBody(w http.ResponseWriter, r *http.Request, resp *http.Response, inst *Instance, model string) {
	entry := log.WithField("instance", inst.ID)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		entry.WithError(err).Warn("failed to read upstream response")
		writeError(w, http.StatusBadGateway, CodeUpstreamUnreachable, "Failed to read upstream response", nil)
		return
	}
	if !gjson.ValidBytes(body) {
		entry.Warn("upstream returned a non-JSON body")
		writeError(w, http.StatusBadGateway, CodeInvalidUpstream, "Upstream returned an invalid response", nil)
		return
	}

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	w.Write(body)

	respModel, fields, ok := providers.ParseAnthropicBody(body)
	if !ok || !fields.Any() {
		entry.Warn("response carried no usage, request not billed")
		return
	}
	if model == "" {
		model = respModel
	}
	h.bill(r.Context(), inst, model, pricing.Usage{
		InputTokens:         fields.Input,
		OutputTokens:        fields.Output,
		CacheCreationTokens: fields.CacheCreation,
		CacheReadTokens:     fields.CacheRead,
	})
}

// pricierThan reports whether model costs more than target on either rate.
// Unpriced models are treated as pricier so they always get swapped.
func (h *Handler) pricierThan(model, target string) bool {
	if target == "" || strings.EqualFold(model, target) {
		return false
	}
	from, ok := h.prices.Lookup(model)
	if !ok {
		return true
	}
	to, ok := h.prices.Lookup(target)
	if !ok {
		return true
	}
	return from.InputMicros > to.InputMicros || from.OutputMicros > to.OutputMicros
}

func copyResponseHeaders(dst, src http.Header) {
	for key, vals := range src {
		if skipResponseHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
}

func isEventStream(h http.Header) bool {
	mt, _, err := mime.ParseMediaType(h.Get("Content-Type"))
	if err != nil {
		return strings.HasPrefix(h.Get("Content-Type"), "text/event-stream")
	}
	return mt == "text/event-stream"
}
