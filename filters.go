package main

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/sirupsen/logrus"
)

// Direction of a routable with respect to the handset.
type Direction string

const (
	DirectionMT Direction = "mt"
	DirectionMO Direction = "mo"
)

// Routable is the admission-time wrapper around a message: the PDU fields
// that matter for routing plus the originator identity. MT routables carry
// the authenticated user, MO routables the source connector cid.
type Routable struct {
	Direction    Direction
	User         *User
	ConnectorCID string

	SourceAddr string
	DestAddr   string
	Content    string

	Tags []int

	// At is the evaluation clock for date/time filters; zero means now.
	At time.Time
}

func (r *Routable) clock() time.Time {
	if r.At.IsZero() {
		return time.Now()
	}
	return r.At
}

func (r *Routable) HasTag(tag int) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// FilterKind enumerates the supported filter types.
type FilterKind string

const (
	TransparentFilter     FilterKind = "transparent"
	UserFilter            FilterKind = "user"
	GroupFilter           FilterKind = "group"
	ConnectorFilter       FilterKind = "connector"
	SourceAddrFilter      FilterKind = "source_addr"
	DestinationAddrFilter FilterKind = "destination_addr"
	ShortMessageFilter    FilterKind = "short_message"
	DateIntervalFilter    FilterKind = "date_interval"
	TimeIntervalFilter    FilterKind = "time_interval"
	TagFilter             FilterKind = "tag"
	EvalScriptFilter      FilterKind = "eval_script"
)

// evalScriptTimeout is the hard budget for one script run.
const evalScriptTimeout = 1 * time.Second

// Filter is one declarative routing predicate. Only the fields relevant to
// its Kind are populated; compiled artifacts (regex, expr program) are
// built once under their sync.Once guards, so concurrent matching never
// races, and never persisted.
type Filter struct {
	Kind FilterKind `json:"kind"`

	UID     string    `json:"uid,omitempty"`
	GID     string    `json:"gid,omitempty"`
	CID     string    `json:"cid,omitempty"`
	Pattern string    `json:"pattern,omitempty"`
	Left    time.Time `json:"left,omitempty"`
	Right   time.Time `json:"right,omitempty"`
	// Time-of-day bounds for TimeIntervalFilter, "15:04:05" clock format.
	LeftTime  string `json:"left_time,omitempty"`
	RightTime string `json:"right_time,omitempty"`
	Tag       int    `json:"tag,omitempty"`
	Script    string `json:"script,omitempty"`

	// SlowScriptThreshold logs any script run that exceeds it.
	SlowScriptThreshold time.Duration `json:"slow_script_threshold,omitempty"`

	reOnce   sync.Once
	re       *regexp.Regexp
	reErr    error
	progOnce sync.Once
	prog     *vm.Program
	progErr  error
	lm       *LogManager
}

// AppliesTo reports whether this filter kind may sit on a route of the
// given direction. User and Group filters are MT-only, Connector is
// MO-only, everything else applies to both.
func (f *Filter) AppliesTo(direction Direction) bool {
	switch f.Kind {
	case UserFilter, GroupFilter:
		return direction == DirectionMT
	case ConnectorFilter:
		return direction == DirectionMO
	default:
		return true
	}
}

func (f *Filter) regex() (*regexp.Regexp, error) {
	f.reOnce.Do(func() {
		f.re, f.reErr = regexp.Compile(anchored(f.Pattern))
	})
	return f.re, f.reErr
}

// Match evaluates the filter against a routable. A broken pattern or a
// script error never matches.
func (f *Filter) Match(r *Routable) bool {
	switch f.Kind {
	case TransparentFilter:
		return true

	case UserFilter:
		return r.User != nil && r.User.UID == f.UID

	case GroupFilter:
		return r.User != nil && r.User.GID == f.GID

	case ConnectorFilter:
		return r.ConnectorCID == f.CID

	case SourceAddrFilter:
		re, err := f.regex()
		return err == nil && re.MatchString(r.SourceAddr)

	case DestinationAddrFilter:
		re, err := f.regex()
		return err == nil && re.MatchString(r.DestAddr)

	case ShortMessageFilter:
		re, err := f.regex()
		return err == nil && re.MatchString(r.Content)

	case DateIntervalFilter:
		now := r.clock()
		return !now.Before(f.Left) && !now.After(f.Right)

	case TimeIntervalFilter:
		left, err1 := time.Parse("15:04:05", f.LeftTime)
		right, err2 := time.Parse("15:04:05", f.RightTime)
		if err1 != nil || err2 != nil {
			return false
		}
		now := r.clock()
		cur := now.Hour()*3600 + now.Minute()*60 + now.Second()
		lo := left.Hour()*3600 + left.Minute()*60 + left.Second()
		hi := right.Hour()*3600 + right.Minute()*60 + right.Second()
		return cur >= lo && cur <= hi

	case TagFilter:
		return r.HasTag(f.Tag)

	case EvalScriptFilter:
		return f.evalScript(r)

	default:
		return false
	}
}

// scriptEnv is what a script body sees. Scripts are pure expressions over
// the routable; no side effects are reachable from here.
func scriptEnv(r *Routable) map[string]interface{} {
	uid, gid := "", ""
	if r.User != nil {
		uid, gid = r.User.UID, r.User.GID
	}
	return map[string]interface{}{
		"source_addr":      r.SourceAddr,
		"destination_addr": r.DestAddr,
		"content":          r.Content,
		"uid":              uid,
		"gid":              gid,
		"connector":        r.ConnectorCID,
		"tags":             r.Tags,
	}
}

func (f *Filter) evalScript(r *Routable) bool {
	env := scriptEnv(r)
	f.progOnce.Do(func() {
		f.prog, f.progErr = expr.Compile(f.Script, expr.Env(scriptEnv(&Routable{})), expr.AsBool())
	})
	if f.progErr != nil {
		f.logScriptError(fmt.Errorf("compile: %w", f.progErr))
		return false
	}

	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	started := time.Now()
	go func() {
		out, err := expr.Run(f.prog, env)
		if err != nil {
			done <- result{err: err}
			return
		}
		b, _ := out.(bool)
		done <- result{ok: b}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			f.logScriptError(res.err)
			return false
		}
		if f.SlowScriptThreshold > 0 && time.Since(started) > f.SlowScriptThreshold {
			f.logSlowScript(time.Since(started))
		}
		return res.ok
	case <-time.After(evalScriptTimeout):
		f.logScriptError(fmt.Errorf("script exceeded %s budget", evalScriptTimeout))
		return false
	}
}

func (f *Filter) logScriptError(err error) {
	if f.lm == nil {
		return
	}
	f.lm.SendLog(f.lm.BuildLog("Filter.EvalScript", "Script evaluation failed, treating as no-match",
		logrus.ErrorLevel, map[string]interface{}{"script": truncate(f.Script, 80)}, err))
}

func (f *Filter) logSlowScript(took time.Duration) {
	if f.lm == nil {
		return
	}
	f.lm.SendLog(f.lm.BuildLog("Filter.EvalScript", "Slow script",
		logrus.WarnLevel, map[string]interface{}{
			"script": truncate(f.Script, 80),
			"took":   took.String(),
		}))
}
