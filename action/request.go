package action

import (
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/dompilot/fault"
	"github.com/hazyhaar/dompilot/page"
	"github.com/hazyhaar/dompilot/perception"
	"github.com/hazyhaar/dompilot/resolve"
)

// Type names an action.
type Type string

const (
	Click      Type = "click"
	TypeText   Type = "type"
	Navigate   Type = "navigate"
	Hover      Type = "hover"
	Scroll     Type = "scroll"
	Wait       Type = "wait"
	Select     Type = "select"
	Extract    Type = "extract"
	Evaluate   Type = "evaluate"
	Screenshot Type = "screenshot"
)

// Types lists every supported action.
var Types = []Type{Click, TypeText, Navigate, Hover, Scroll, Wait, Select, Extract, Evaluate, Screenshot}

// Params carries per-type arguments.
type Params struct {
	Text   string  `json:"text,omitempty"`   // type
	URL    string  `json:"url,omitempty"`    // navigate
	Option string  `json:"option,omitempty"` // select: value or visible text
	Script string  `json:"script,omitempty"` // evaluate
	DX     float64 `json:"dx,omitempty"`     // scroll
	DY     float64 `json:"dy,omitempty"`
	WaitMS int64   `json:"wait_ms,omitempty"` // wait without target
}

// Request is one action to execute.
type Request struct {
	Type   Type           `json:"type"`
	Target resolve.Target `json:"target"`
	Params Params         `json:"params"`

	// Retries is the maximum number of attempts: Retries=1 means a single
	// try. Zero uses the executor default.
	Retries int  `json:"retries,omitempty"`
	Verify  bool `json:"verify,omitempty"`

	// Tier used to perceive before resolving. Zero is Adaptive.
	Tier perception.Tier `json:"tier,omitempty"`
}

// needsTarget reports whether the action acts on a resolved element.
func (r Request) needsTarget() bool {
	switch r.Type {
	case Navigate, Screenshot, Evaluate:
		return false
	case Scroll, Wait:
		return !r.Target.IsZero()
	}
	return true
}

// mutates reports whether a successful primitive may change the page.
func (r Request) mutates() bool {
	switch r.Type {
	case Click, TypeText, Select, Navigate, Evaluate:
		return true
	}
	return false
}

// Validate checks the request shape before anything touches the page.
func (r Request) Validate() error {
	known := false
	for _, t := range Types {
		if r.Type == t {
			known = true
			break
		}
	}
	if !known {
		return fault.Errorf(fault.InvalidRequest, "action: validate", "unknown action type %q", r.Type)
	}
	if r.Retries < 0 {
		return fault.Errorf(fault.InvalidRequest, "action: validate", "retries must be >= 1, got %d", r.Retries)
	}
	switch r.Type {
	case Navigate:
		if strings.TrimSpace(r.Params.URL) == "" {
			return fault.Errorf(fault.InvalidRequest, "action: validate", "navigate needs params.url")
		}
	case Evaluate:
		if strings.TrimSpace(r.Params.Script) == "" {
			return fault.Errorf(fault.InvalidRequest, "action: validate", "evaluate needs params.script")
		}
	case Select:
		if r.Params.Option == "" {
			return fault.Errorf(fault.InvalidRequest, "action: validate", "select needs params.option")
		}
	case Wait:
		if r.Target.IsZero() && r.Params.WaitMS <= 0 {
			return fault.Errorf(fault.InvalidRequest, "action: validate", "wait needs a target or params.wait_ms")
		}
	}
	if r.needsTarget() && r.Target.IsZero() {
		return fault.Errorf(fault.InvalidRequest, "action: validate", "%s needs a target", r.Type)
	}
	if r.Tier != perception.Adaptive && !r.Tier.Concrete() {
		return fault.Errorf(fault.InvalidRequest, "action: validate", "unknown tier %d", int(r.Tier))
	}
	return nil
}

// VerifyStatus is the result of post-condition checking.
type VerifyStatus string

const (
	VerifySkipped      VerifyStatus = "skipped"
	VerifyPassed       VerifyStatus = "verified"
	VerifyFailed       VerifyStatus = "failed"
	VerifyInconclusive VerifyStatus = "inconclusive"
)

// Verification reports the post-condition check of an attempt.
type Verification struct {
	Status VerifyStatus `json:"status"`
	Detail string       `json:"detail,omitempty"`
}

// State is a step of the executor state machine.
type State string

const (
	Resolving State = "resolving"
	Acting    State = "acting"
	Verifying State = "verifying"
	Succeeded State = "succeeded"
	Retrying  State = "retrying"
	Failed    State = "failed"
)

// Attempt is one pass through Resolving, Acting and Verifying.
type Attempt struct {
	N            int           `json:"n"`
	State        State         `json:"state"` // phase reached, or succeeded
	Selector     string        `json:"selector,omitempty"`
	Strategy     string        `json:"strategy,omitempty"`
	Confidence   float64       `json:"confidence,omitempty"`
	Reason       fault.Code    `json:"reason,omitempty"`
	Error        string        `json:"error,omitempty"`
	Duration     time.Duration `json:"duration"`
	Verification *Verification `json:"verification,omitempty"`
}

// Outcome is the full record of an executed action. It is returned for
// every request, successful or not.
type Outcome struct {
	ID           string                        `json:"id"`
	Type         Type                          `json:"type"`
	Target       string                        `json:"target,omitempty"`
	Success      bool                          `json:"success"`
	State        State                         `json:"state"`
	Reason       fault.Code                    `json:"reason,omitempty"`
	Error        string                        `json:"error,omitempty"`
	StartedAt    time.Time                     `json:"started_at"`
	Duration     time.Duration                 `json:"duration"`
	Attempts     int                           `json:"attempts"`
	Element      *perception.ElementDescriptor `json:"element,omitempty"`
	Strategy     string                        `json:"strategy,omitempty"`
	Confidence   float64                       `json:"confidence,omitempty"`
	Verification Verification                  `json:"verification"`
	Log          []Attempt                     `json:"log"`
	Identity     page.Identity                 `json:"identity"`
	Data         string                        `json:"data,omitempty"`
	Image        []byte                        `json:"image,omitempty"`
}

func (o *Outcome) String() string {
	if o.Success {
		return fmt.Sprintf("%s %s: ok after %d attempt(s)", o.ID, o.Type, o.Attempts)
	}
	return fmt.Sprintf("%s %s: %s after %d attempt(s)", o.ID, o.Type, o.Reason, o.Attempts)
}
