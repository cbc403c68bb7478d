package chshare

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sammck-go/logger"
)

// registrationVersion is the v= field OpenELP-compatible directories
// expect in the registration suffix (§4.8)
const registrationVersion = "1.2.3o"

// registrationPeriod is periodic_wake for the reporter's Worker (§4.8)
const registrationPeriod = 600_000 * time.Millisecond

// registrationSalt is the fixed string MD5'd together with reg_name and
// public_addr to produce the registration digest (§4.8)
const registrationSalt = "#5A!zu"

// registrationEndpoint is the well-known EchoLink directory (§6.3)
const registrationEndpoint = "http://www.echolink.org:80/proxypost.jsp"

// RegistrationReporter periodically (and on occupancy-change triggers)
// POSTs this proxy's status to the EchoLink directory (§4.8). It is
// built directly on Worker: Wake() is the trigger path, and Worker's own
// Busy/Signaled coalescing is what satisfies §8 Testable Property 10
// (M updates arriving mid-flight collapse into exactly one follow-up
// post) without any reporter-side bookkeeping.
type RegistrationReporter struct {
	Log    logger.Logger
	worker *Worker

	regName    string
	regComment string
	publicAddr string
	isPublic   bool
	port       int
	suffix     string

	client *http.Client

	mu         sync.Mutex
	slotsUsed  int
	slotsTotal int
	stopped    bool
}

// NewRegistrationReporter builds a reporter for the given identity. It is
// inert (Start does nothing further) unless regName is non-empty, per
// §4.8: "Started iff reg_name is configured." isPublic is the `public`
// flag's value (spec.md: "`public` registration flag is Y iff
// password == \"PUBLIC\""), computed by the caller from config rather than
// derived from publicAddr, which is an unrelated field (the external IP).
func NewRegistrationReporter(log logger.Logger, regName, regComment, publicAddr string, isPublic bool, port, slotsTotal int) *RegistrationReporter {
	r := &RegistrationReporter{
		Log:        log,
		regName:    regName,
		regComment: regComment,
		publicAddr: publicAddr,
		isPublic:   isPublic,
		port:       port,
		slotsTotal: slotsTotal,
		client:     &http.Client{Timeout: 15 * time.Second},
	}
	digest := ComputeDigest([]byte(regName + publicAddr + registrationSalt))
	r.suffix = fmt.Sprintf("&a=%s&d=%s&p=%d&v=%s", publicAddr, digest.Hex(), port, registrationVersion)
	r.worker = NewWorker(log, r.post, registrationPeriod)
	return r
}

// Start launches the reporter's worker, a no-op if regName is empty.
func (r *RegistrationReporter) Start() error {
	if r.regName == "" {
		return nil
	}
	return r.worker.Start()
}

// ReportOccupancy records the current slot usage and triggers a
// non-periodic post (§4.8: "Trigger conditions for a non-periodic post:
// slot occupancy changes").
func (r *RegistrationReporter) ReportOccupancy(used int) {
	r.mu.Lock()
	r.slotsUsed = used
	r.mu.Unlock()
	if r.regName != "" {
		r.worker.Wake()
	}
}

// Stop posts a final Off status, then joins the reporter's worker
// (§4.8: "status transitions to Off" is itself a trigger condition).
func (r *RegistrationReporter) Stop() error {
	if r.regName == "" {
		return nil
	}
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.worker.Wake()
	r.worker.WaitIdle()
	return r.worker.Join()
}

// post is the Worker body: it builds and sends exactly one status
// update reflecting the reporter's state at invocation time.
func (r *RegistrationReporter) post() {
	r.mu.Lock()
	used, total, stopped := r.slotsUsed, r.slotsTotal, r.stopped
	r.mu.Unlock()

	phrase := "Ready"
	if stopped {
		phrase = "Off"
	} else if used >= total {
		phrase = "Busy"
	}

	publicFlag := "N"
	if r.isPublic {
		publicFlag = "Y"
	}

	body := fmt.Sprintf("name=%s&comment=%s [%d/%d]&public=%s&status=%s%s",
		url.QueryEscape(r.regName),
		url.QueryEscape(r.regComment),
		used, total, publicFlag, phrase, r.suffix)

	req, err := http.NewRequest(http.MethodPost, registrationEndpoint, strings.NewReader(body))
	if err != nil {
		r.Log.WLogf("registration: building request: %s", err)
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("User-Agent", "OpenELP/"+registrationVersion)
	req.ContentLength = int64(len(body))

	resp, err := r.client.Do(req)
	if err != nil {
		r.Log.WLogf("registration: post failed: %s", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		r.Log.WLogf("registration: directory responded %s", resp.Status)
		return
	}
	r.Log.DLogf("registration: reported %s (%d/%d)", phrase, used, total)
}
