package subscriber

import (
	"encoding/json"
	"strings"
)

// subscribeRequest is the JSON-RPC frame sent to open a subscription.
type subscribeRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

// notification is the envelope of an upstream push frame. Unknown
// fields are ignored.
type notification struct {
	Method string `json:"method"`
	Params struct {
		Result       json.RawMessage `json:"result"`
		Subscription int64           `json:"subscription"`
	} `json:"params"`
	// Subscription confirmations carry result + id instead of method.
	Result json.RawMessage `json:"result,omitempty"`
	ID     *int            `json:"id,omitempty"`
}

type notificationContext struct {
	Slot uint64 `json:"slot"`
}

type accountNotification struct {
	Context notificationContext `json:"context"`
	Value   struct {
		Lamports uint64   `json:"lamports"`
		Owner    string   `json:"owner"`
		Data     []string `json:"data"`
	} `json:"value"`
}

type programNotification struct {
	Context notificationContext `json:"context"`
	Value   struct {
		Pubkey  string `json:"pubkey"`
		Account struct {
			Lamports uint64 `json:"lamports"`
			Owner    string `json:"owner"`
		} `json:"account"`
	} `json:"value"`
}

type logsNotification struct {
	Context notificationContext `json:"context"`
	Value   struct {
		Signature string          `json:"signature"`
		Err       json.RawMessage `json:"err"`
		Logs      []string        `json:"logs"`
	} `json:"value"`
}

type signatureNotification struct {
	Context notificationContext `json:"context"`
	Value   struct {
		Err json.RawMessage `json:"err"`
	} `json:"value"`
}

type slotNotification struct {
	Parent uint64 `json:"parent"`
	Root   uint64 `json:"root"`
	Slot   uint64 `json:"slot"`
}

// decoder turns upstream frames into ProgramEvents. The subscription
// manager maps subscription ids back to the program that requested
// them.
type decoder struct {
	subs     *subscriptionManager
	programs map[string]string // program id -> name
}

func newDecoder(subs *subscriptionManager, programs map[string]string) *decoder {
	return &decoder{subs: subs, programs: programs}
}

// decode parses one frame. It returns the decoded events (possibly
// none), whether the frame was skipped as carrying no events
// (subscription confirmations, unknown methods, and account, program
// or signature notifications for untracked programs or subscriptions;
// log notifications always report false), and an error for malformed
// input. Malformed frames never terminate the
// stream; the caller counts and drops them.
func (d *decoder) decode(raw []byte) ([]*ProgramEvent, bool, error) {
	var n notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, false, err
	}

	// Subscription confirmation: {"id": N, "result": <sub id>}.
	if n.Method == "" {
		if n.ID != nil && len(n.Result) > 0 {
			var subID int64
			if err := json.Unmarshal(n.Result, &subID); err == nil {
				d.subs.confirm(*n.ID, subID)
				return nil, true, nil
			}
		}
		return nil, true, nil
	}

	switch n.Method {
	case "accountNotification":
		return d.decodeAccount(&n)
	case "programNotification":
		return d.decodeProgram(&n)
	case "logsNotification":
		return d.decodeLogs(&n)
	case "signatureNotification":
		return d.decodeSignature(&n)
	case "slotNotification":
		return d.decodeSlot(&n)
	default:
		// Unknown methods are ignored.
		return nil, true, nil
	}
}

func (d *decoder) decodeAccount(n *notification) ([]*ProgramEvent, bool, error) {
	var body accountNotification
	if err := json.Unmarshal(n.Params.Result, &body); err != nil {
		return nil, false, err
	}

	programID := d.subs.programFor(n.Params.Subscription)
	if programID == "" {
		programID = body.Value.Owner
	}
	if _, known := d.programs[programID]; !known {
		return nil, true, nil
	}

	balance := body.Value.Lamports
	event := NewEvent(programID, EventTypeAccountUpdate, EventData{
		Account: &AccountData{
			Account:      programID,
			Owner:        body.Value.Owner,
			BalanceAfter: &balance,
		},
	}).WithSlot(body.Context.Slot)
	event.ProgramName = d.programs[programID]
	return []*ProgramEvent{event}, false, nil
}

func (d *decoder) decodeProgram(n *notification) ([]*ProgramEvent, bool, error) {
	var body programNotification
	if err := json.Unmarshal(n.Params.Result, &body); err != nil {
		return nil, false, err
	}

	programID := body.Value.Account.Owner
	if _, known := d.programs[programID]; !known {
		return nil, true, nil
	}

	balance := body.Value.Account.Lamports
	event := NewEvent(programID, EventTypeAccountUpdate, EventData{
		Account: &AccountData{
			Account:      body.Value.Pubkey,
			Owner:        programID,
			BalanceAfter: &balance,
		},
	}).WithSlot(body.Context.Slot)
	event.ProgramName = d.programs[programID]
	return []*ProgramEvent{event}, false, nil
}

func (d *decoder) decodeLogs(n *notification) ([]*ProgramEvent, bool, error) {
	var body logsNotification
	if err := json.Unmarshal(n.Params.Result, &body); err != nil {
		return nil, false, err
	}

	failed := len(body.Value.Err) > 0 && string(body.Value.Err) != "null"

	var events []*ProgramEvent
	for _, programID := range programIDsFromLogs(body.Value.Logs) {
		if _, known := d.programs[programID]; !known {
			continue
		}
		event := NewEvent(programID, EventTypeLogsUpdate, EventData{
			Logs: &LogsData{
				Signature: body.Value.Signature,
				Logs:      body.Value.Logs,
				Failed:    failed,
			},
		}).WithSlot(body.Context.Slot).WithSignature(body.Value.Signature)
		event.ProgramName = d.programs[programID]
		events = append(events, event)
	}
	return events, false, nil
}

func (d *decoder) decodeSignature(n *notification) ([]*ProgramEvent, bool, error) {
	var body signatureNotification
	if err := json.Unmarshal(n.Params.Result, &body); err != nil {
		return nil, false, err
	}

	programID := d.subs.programFor(n.Params.Subscription)
	if programID == "" {
		return nil, true, nil
	}

	success := len(body.Value.Err) == 0 || string(body.Value.Err) == "null"
	event := NewEvent(programID, EventTypeTransactionUpdate, EventData{
		Transaction: &TransactionData{Success: success},
	}).WithSlot(body.Context.Slot)
	event.ProgramName = d.programs[programID]
	return []*ProgramEvent{event}, false, nil
}

func (d *decoder) decodeSlot(n *notification) ([]*ProgramEvent, bool, error) {
	var body slotNotification
	if err := json.Unmarshal(n.Params.Result, &body); err != nil {
		return nil, false, err
	}

	event := NewEvent("", EventTypeSlotUpdate, EventData{
		Slot: &SlotData{Slot: body.Slot, Parent: body.Parent, Root: body.Root},
	}).WithSlot(body.Slot)
	return []*ProgramEvent{event}, false, nil
}

// programIDsFromLogs extracts invoked program ids from log lines of
// the form "Program <id> invoke [n]".
func programIDsFromLogs(logs []string) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, line := range logs {
		if !strings.HasPrefix(line, "Program ") || !strings.Contains(line, " invoke") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		id := parts[1]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}
