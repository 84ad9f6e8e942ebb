package main

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Delivery receipt message states, per the receipt text format most
// SMSCs emit in the short_message field.
const (
	DLRDelivered    = "DELIVRD"
	DLRExpired      = "EXPIRED"
	DLRDeleted      = "DELETED"
	DLRUndelivered  = "UNDELIV"
	DLRAccepted     = "ACCEPTD"
	DLRUnknown      = "UNKNOWN"
	DLRRejected     = "REJECTD"
	DLREnroute      = "ENROUTE"
	dlrReceiptStamp = "0601021504" // yymmddhhmm
)

// DLRLevel selects which receipt stages a submitter asked for.
// Level 1: submit_sm_resp only; level 2: terminal receipt only;
// level 3: both.
type DLRLevel int

// finalStates lists the states that close out a correlation record.
var dlrFinalStates = map[string]bool{
	DLRDelivered:   true,
	DLRExpired:     true,
	DLRDeleted:     true,
	DLRUndelivered: true,
	DLRRejected:    true,
	DLRUnknown:     true,
}

// IsFinalDLRState reports whether stat terminates delivery tracking.
func IsFinalDLRState(stat string) bool {
	return dlrFinalStates[strings.ToUpper(stat)]
}

// DeliveryReceipt is a parsed SMSC delivery receipt.
type DeliveryReceipt struct {
	ID         string
	Sub        string
	Dlvrd      string
	SubmitDate time.Time
	DoneDate   time.Time
	Stat       string
	Err        string
	Text       string
}

var receiptFieldRe = regexp.MustCompile(`(id|sub|dlvrd|submit date|done date|stat|err|text):\s*`)

// ParseDeliveryReceipt extracts the key:value receipt fields from a
// deliver_sm short message. The text field keeps whatever trails it.
func ParseDeliveryReceipt(body string) (*DeliveryReceipt, error) {
	locs := receiptFieldRe.FindAllStringSubmatchIndex(body, -1)
	if len(locs) == 0 {
		return nil, fmt.Errorf("%w: no receipt fields in %q", ErrValidation, truncate(body, 60))
	}
	fields := map[string]string{}
	for i, loc := range locs {
		key := body[loc[2]:loc[3]]
		end := len(body)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		fields[key] = strings.TrimSpace(body[loc[1]:end])
	}
	r := &DeliveryReceipt{
		ID:    fields["id"],
		Sub:   fields["sub"],
		Dlvrd: fields["dlvrd"],
		Stat:  strings.ToUpper(fields["stat"]),
		Err:   fields["err"],
		Text:  fields["text"],
	}
	if r.ID == "" || r.Stat == "" {
		return nil, fmt.Errorf("%w: receipt missing id or stat", ErrValidation)
	}
	if v := fields["submit date"]; v != "" {
		if t, err := time.Parse(dlrReceiptStamp, v); err == nil {
			r.SubmitDate = t
		}
	}
	if v := fields["done date"]; v != "" {
		if t, err := time.Parse(dlrReceiptStamp, v); err == nil {
			r.DoneDate = t
		}
	}
	return r, nil
}

// FormatDeliveryReceipt renders a receipt back into the standard
// short-message text form, for receipts the gateway itself emits.
func FormatDeliveryReceipt(r *DeliveryReceipt) string {
	sub, dlvrd := r.Sub, r.Dlvrd
	if sub == "" {
		sub = "001"
	}
	if dlvrd == "" {
		if r.Stat == DLRDelivered {
			dlvrd = "001"
		} else {
			dlvrd = "000"
		}
	}
	errCode := r.Err
	if errCode == "" {
		errCode = "000"
	}
	submit, done := r.SubmitDate, r.DoneDate
	if submit.IsZero() {
		submit = time.Now()
	}
	if done.IsZero() {
		done = time.Now()
	}
	return fmt.Sprintf("id:%s sub:%s dlvrd:%s submit date:%s done date:%s stat:%s err:%s text:%s",
		r.ID, sub, dlvrd,
		submit.Format(dlrReceiptStamp), done.Format(dlrReceiptStamp),
		r.Stat, errCode, truncate(r.Text, 20))
}

// SyntheticUndeliveredReceipt fabricates a terminal UNDELIV receipt for
// messages the gateway gave up on (rejected submits, exhausted retries,
// expired validity).
func SyntheticUndeliveredReceipt(messageID, errCode string) *DeliveryReceipt {
	now := time.Now()
	return &DeliveryReceipt{
		ID:         messageID,
		Sub:        "001",
		Dlvrd:      "000",
		SubmitDate: now,
		DoneDate:   now,
		Stat:       DLRUndelivered,
		Err:        errCode,
	}
}

// DLRRecord is the correlation state stored against a submitted message
// until its terminal receipt arrives (or the record expires).
type DLRRecord struct {
	MessageID  string    `json:"message_id"`            // gateway-side id returned to submitter
	SMSCID     string    `json:"smsc_id"`               // remote id from submit_sm_resp
	Method     string    `json:"method"`                // "http" or "smpps"
	HTTPMethod string    `json:"http_method,omitempty"` // GET or POST http callbacks
	Level      int       `json:"level"`                 // 1, 2 or 3
	URL        string    `json:"url,omitempty"`         // http callback target
	UID        string    `json:"uid"`                   // submitting user
	SystemID   string    `json:"system_id,omitempty"`   // smpps bind to route the receipt to
	SourceAddr string    `json:"source_addr"`           // swapped into the receipt pdu
	DestAddr   string    `json:"dest_addr"`             // swapped into the receipt pdu
	ConnectorC string    `json:"cid"`                   // connector the submit left on
	Amount     string    `json:"amount,omitempty"`      // deferred charge remainder
	SubmitTime time.Time `json:"submit_time"`
}

// WantsReceipt reports whether a terminal receipt should be delivered
// for this record's dlr-level.
func (r *DLRRecord) WantsReceipt() bool {
	return r.Level == 2 || r.Level == 3
}
