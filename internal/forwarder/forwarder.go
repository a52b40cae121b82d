// Package forwarder implements HTTPForwarder (spec.md §4.3): it turns an
// inbound HTTP request into a framed message, dispatches it through the
// registry, and re-frames the reply back into an HTTP response.
package forwarder

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"

	"github.com/go-hydra/gateway/internal/codec"
	"github.com/go-hydra/gateway/internal/issuelog"
	"github.com/go-hydra/gateway/internal/registry"
	"github.com/go-hydra/gateway/internal/stats"
)

// DefaultRequestTimeout is used when the configured requestTimeout is zero
// (spec.md §6.5: "requestTimeout (seconds, default 5)").
const DefaultRequestTimeout = 5 * time.Second

// payload is the shape of the framed message Body for an HTTP-forwarded
// request/response: request headers plus the decoded/raw content.
type payload struct {
	Headers map[string]string `json:"headers,omitempty"`
	Body    interface{}       `json:"body,omitempty"`
}

// apiResult is the shape expected inside a MakeAPIRequest reply's Body.
type apiResult struct {
	StatusCode  int               `json:"statusCode,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	ContentType string            `json:"contentType,omitempty"`
	Body        json.RawMessage   `json:"body,omitempty"`
	Reason      string            `json:"reason,omitempty"`
}

// Forwarder is the HTTPForwarder component.
type Forwarder struct {
	Registry       registry.Client
	SelfService    string
	SelfInstance   string
	Version        string
	RequestTimeout time.Duration
	CORS           map[string]string
	Stats          *stats.Manager
	Issues         *issuelog.Log
}

// New builds a Forwarder; requestTimeout defaults to DefaultRequestTimeout
// when zero. version is the gateway semantic version tagged onto every
// outbound envelope alongside mid (SPEC_FULL.md §4, spec.md §6.1's
// documented optional version/ver field). issues receives a mirrored copy
// of every ERROR/FATAL line this forwarder logs, so `/v1/router/log` can
// replay recent diagnostics (SPEC_FULL.md §2).
func New(reg registry.Client, selfService, selfInstance, version string, requestTimeout time.Duration,
	cors map[string]string, st *stats.Manager, issues *issuelog.Log) *Forwarder {
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	return &Forwarder{
		Registry: reg, SelfService: selfService, SelfInstance: selfInstance, Version: version,
		RequestTimeout: requestTimeout, CORS: cors, Stats: st, Issues: issues,
	}
}

// logIssue mirrors an ERROR/FATAL line into the issue log ring alongside
// logging it through go-pkgz/lgr, so both the console and
// `/v1/router/log` see it.
func (f *Forwarder) logIssue(severity, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("[%s] %s", severity, msg)
	if f.Issues != nil {
		f.Issues.Append(severity, msg)
	}
}

// Forward dispatches one inbound request for service svc, whose forwarded
// path (relative to the matched route) is forwardedPath.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, svc, forwardedPath string) {
	if r.Method == http.MethodOptions {
		f.writeCORS(w)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	tracer := uuid.NewString()[:8]
	w.Header().Set("x-hydra-tracer", tracer)

	body := f.readBody(r)

	env, mid := f.buildEnvelope(r, svc, forwardedPath, tracer, body)

	ctx, cancel := context.WithTimeout(r.Context(), f.RequestTimeout)
	defer cancel()

	reply, err := f.Registry.MakeAPIRequest(ctx, env, f.RequestTimeout)
	if err != nil {
		f.writeTransportFailure(w, tracer, err)
		return
	}

	f.bumpStats(svc, reply)
	f.writeResponse(w, r, reply, tracer, mid)
}

func (f *Forwarder) readBody(r *http.Request) []byte {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		log.Printf("[WARN] failed to read request body: %v", err)
		return nil
	}
	if r.Header.Get("content-encoding") != "gzip" {
		return raw
	}
	gr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		log.Printf("[WARN] failed to inflate gzip body: %v", err)
		return nil
	}
	defer gr.Close()
	inflated, err := io.ReadAll(gr)
	if err != nil {
		log.Printf("[WARN] failed to read inflated gzip body: %v", err)
		return nil
	}
	return inflated
}

func (f *Forwarder) buildEnvelope(r *http.Request, svc, forwardedPath, tracer string, rawBody []byte) (codec.Message, string) {
	headers := map[string]string{}
	for k := range r.Header {
		lk := strings.ToLower(k)
		if lk == "accept-encoding" || lk == "content-encoding" {
			continue
		}
		headers[lk] = r.Header.Get(k)
	}
	headers["x-hydra-tracer"] = tracer

	p := payload{Headers: headers, Body: decodeBody(r.Header.Get("content-type"), rawBody)}
	bodyJSON, err := json.Marshal(p)
	if err != nil {
		log.Printf("[WARN] failed to marshal forwarded payload: %v", err)
		bodyJSON = []byte("{}")
	}

	mid := fmt.Sprintf("%s-%s", uuid.NewString(), tracer)
	to := codec.Route{Service: svc, Method: strings.ToLower(r.Method), APIPath: forwardedPath}.String()
	from := codec.Route{Instance: f.SelfInstance, Service: f.SelfService, APIPath: "/"}.String()

	return codec.Message{
		MID:           mid,
		To:            to,
		From:          from,
		Body:          bodyJSON,
		Authorization: r.Header.Get("Authorization"),
		Timestamp:     time.Now(),
		Version:       f.Version,
	}, mid
}

func decodeBody(contentType string, raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	mt, _, _ := mime.ParseMediaType(contentType)
	switch {
	case mt == "application/json":
		var v interface{}
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
		return string(raw)
	case mt == "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(raw))
		if err != nil {
			return string(raw)
		}
		out := map[string]string{}
		for k := range values {
			out[k] = values.Get(k)
		}
		return out
	default:
		return string(raw)
	}
}

func (f *Forwarder) bumpStats(svc string, reply codec.Message) {
	if f.Stats == nil {
		return
	}
	f.Stats.Log("http:" + svc)

	var res apiResult
	_ = json.Unmarshal(reply.Body, &res)
	if res.StatusCode > 201 {
		f.Stats.Log("error:" + svc)
	}
	switch {
	case res.StatusCode >= 500:
		f.logIssue("FATAL", "upstream %s returned %d: %s", svc, res.StatusCode, res.Reason)
	case res.StatusCode >= 400:
		f.logIssue("ERROR", "upstream %s returned %d: %s", svc, res.StatusCode, res.Reason)
	}
}

func (f *Forwarder) writeResponse(w http.ResponseWriter, r *http.Request, reply codec.Message, tracer, mid string) {
	var res apiResult
	if err := json.Unmarshal(reply.Body, &res); err != nil {
		f.writeUniform(w, http.StatusOK, reply.Body, "")
		return
	}

	status := res.StatusCode
	if status == 0 {
		status = http.StatusOK
	}

	if len(res.Headers) == 0 {
		// registry used its normalized form: uniform envelope response.
		if res.Reason != "" {
			f.writeUniform(w, status, nil, res.Reason)
			return
		}
		f.writeUniform(w, status, res.Body, "")
		return
	}

	for k, v := range res.Headers {
		w.Header().Set(k, v)
	}
	f.writeCORS(w)
	w.Header().Set("x-hydra-tracer", tracer)

	if strings.HasPrefix(res.ContentType, "application/json") {
		spliced := map[string]json.RawMessage{"mid": mustJSON(mid)}
		if len(res.Body) > 0 {
			spliced["result"] = res.Body
		}
		out, err := json.Marshal(spliced)
		if err != nil {
			log.Printf("[WARN] failed to splice upstream json response: %v", err)
			out = res.Body
		}
		f.writePossiblyGzipped(w, r, status, out)
		return
	}

	w.WriteHeader(status)
	_, _ = w.Write(res.Body)
}

func (f *Forwarder) writeUniform(w http.ResponseWriter, status int, result json.RawMessage, reason string) {
	f.writeCORS(w)
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	env := struct {
		Result json.RawMessage `json:"result,omitempty"`
		Reason string          `json:"reason,omitempty"`
	}{Result: result, Reason: reason}
	_ = json.NewEncoder(w).Encode(env)
}

func (f *Forwarder) writeTransportFailure(w http.ResponseWriter, tracer string, err error) {
	status := http.StatusInternalServerError
	reason := err.Error()
	var apiErr *registry.APIError
	if ok := asAPIError(err, &apiErr); ok {
		status = apiErr.Status
		reason = apiErr.Reason
	}
	f.logIssue("FATAL", "forward failed (tracer %s): %v", tracer, err)
	f.writeCORS(w)
	w.Header().Set("x-hydra-tracer", tracer)
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Result struct {
			Reason string `json:"reason"`
		} `json:"result"`
	}{Result: struct {
		Reason string `json:"reason"`
	}{Reason: reason}})
}

func asAPIError(err error, target **registry.APIError) bool {
	type unwrapper interface{ Unwrap() error }
	for e := err; e != nil; {
		if ae, ok := e.(*registry.APIError); ok {
			*target = ae
			return true
		}
		u, ok := e.(unwrapper)
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}

func (f *Forwarder) writeCORS(w http.ResponseWriter) {
	for k, v := range f.CORS {
		w.Header().Set(k, v)
	}
}

func (f *Forwarder) writePossiblyGzipped(w http.ResponseWriter, r *http.Request, status int, body []byte) {
	if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		w.Header().Set("content-type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(body)
		return
	}
	w.Header().Set("content-type", "application/json")
	w.Header().Set("content-encoding", "gzip")
	w.WriteHeader(status)
	gw := gzip.NewWriter(w)
	defer gw.Close()
	_, _ = gw.Write(body)
}

func mustJSON(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
