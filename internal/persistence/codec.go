package persistence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/rogers-f/criticality/internal/domain"
)

// SchemaVersion is written into every document produced by SerializeState.
const SchemaVersion = "1.0.0"

var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?(\+[0-9A-Za-z.-]+)?$`)

var documentFields = []string{"version", "persistedAt", "state", "artifacts", "blockingQueries"}

var blockingFields = []string{"id", "phase", "query", "blockedAt", "resolved"}

// SerializeOptions controls SerializeState output.
type SerializeOptions struct {
	// PersistedAt stamps the document. Zero means time.Now.
	PersistedAt time.Time
	// Pretty indents the document for human reading.
	Pretty bool
}

// Document is the decoded envelope of a state file.
type Document struct {
	Version     string
	PersistedAt time.Time
	Snapshot    domain.ProtocolStateSnapshot
}

type documentJSON struct {
	Version         string                `json:"version"`
	PersistedAt     string                `json:"persistedAt"`
	State           json.RawMessage       `json:"state"`
	Artifacts       []domain.ArtifactType `json:"artifacts"`
	BlockingQueries []blockingJSON        `json:"blockingQueries"`
}

type blockingJSON struct {
	ID        string   `json:"id"`
	Phase     string   `json:"phase"`
	Query     string   `json:"query"`
	Options   []string `json:"options,omitempty"`
	BlockedAt string   `json:"blockedAt"`
	TimeoutMs *int64   `json:"timeoutMs,omitempty"`
	Resolved  bool     `json:"resolved"`
}

type activeJSON struct {
	Kind  domain.StateKind `json:"kind"`
	Phase phaseStateJSON   `json:"phase"`
}

type phaseStateJSON struct {
	Phase    string          `json:"phase"`
	Substate json.RawMessage `json:"substate,omitempty"`
}

type blockedJSON struct {
	Kind      domain.StateKind `json:"kind"`
	Phase     string           `json:"phase"`
	Query     string           `json:"query"`
	Options   []string         `json:"options,omitempty"`
	BlockedAt string           `json:"blockedAt"`
	TimeoutMs *int64           `json:"timeoutMs,omitempty"`
}

type failedJSON struct {
	Kind        domain.StateKind  `json:"kind"`
	Phase       string            `json:"phase"`
	Error       string            `json:"error"`
	Code        string            `json:"code,omitempty"`
	Recoverable bool              `json:"recoverable"`
	Context     map[string]string `json:"context,omitempty"`
	FailedAt    string            `json:"failedAt"`
}

type completeJSON struct {
	Kind      domain.StateKind      `json:"kind"`
	Artifacts []domain.ArtifactType `json:"artifacts"`
}

// SerializeState renders snap as a versioned document. An internally
// inconsistent snapshot is rejected with a validation_error.
func SerializeState(snap domain.ProtocolStateSnapshot, opts SerializeOptions) ([]byte, error) {
	if err := validateSnapshot(snap); err != nil {
		return nil, err
	}

	stateRaw, err := encodeState(snap.State)
	if err != nil {
		return nil, err
	}

	at := opts.PersistedAt
	if at.IsZero() {
		at = time.Now()
	}

	doc := documentJSON{
		Version:         SchemaVersion,
		PersistedAt:     formatTime(at),
		State:           stateRaw,
		Artifacts:       snap.Artifacts,
		BlockingQueries: make([]blockingJSON, 0, len(snap.BlockingQueries)),
	}
	if doc.Artifacts == nil {
		doc.Artifacts = []domain.ArtifactType{}
	}
	for _, q := range snap.BlockingQueries {
		doc.BlockingQueries = append(doc.BlockingQueries, blockingJSON{
			ID:        q.ID,
			Phase:     string(q.Phase),
			Query:     q.Query,
			Options:   q.Options,
			BlockedAt: formatTime(q.BlockedAt),
			TimeoutMs: q.TimeoutMs,
			Resolved:  q.Resolved,
		})
	}

	var out []byte
	if opts.Pretty {
		out, err = json.MarshalIndent(doc, "", "  ")
	} else {
		out, err = json.Marshal(doc)
	}
	if err != nil {
		return nil, newError(KindValidation, "marshal document", err)
	}
	return out, nil
}

// DeserializeState is the inverse of SerializeState.
func DeserializeState(data []byte) (domain.ProtocolStateSnapshot, error) {
	doc, err := DeserializeDocument(data)
	if err != nil {
		return domain.ProtocolStateSnapshot{}, err
	}
	return doc.Snapshot, nil
}

// DeserializeDocument decodes a state file and its envelope metadata.
func DeserializeDocument(data []byte) (Document, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Document{}, newError(KindParse, "invalid JSON document", err)
	}
	if fields == nil {
		return Document{}, schemaError("document must be a JSON object")
	}
	for _, f := range documentFields {
		if _, ok := fields[f]; !ok {
			return Document{}, schemaError("missing required field %q", f)
		}
	}

	var raw documentJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return Document{}, &PersistenceError{Kind: KindSchema, Message: "document fields have wrong types", Cause: err}
	}
	if !semverPattern.MatchString(raw.Version) {
		return Document{}, schemaError("version %q is not a semantic version", raw.Version)
	}
	persistedAt, err := parseTime(raw.PersistedAt)
	if err != nil {
		return Document{}, schemaError("persistedAt %q is not an ISO-8601 timestamp", raw.PersistedAt)
	}

	state, err := decodeState(raw.State)
	if err != nil {
		return Document{}, err
	}

	artifacts := make([]domain.ArtifactType, 0, len(raw.Artifacts))
	for _, a := range raw.Artifacts {
		if !a.IsValid() {
			return Document{}, schemaError("unknown artifact type %q", a)
		}
		artifacts = append(artifacts, a)
	}

	queries, err := decodeBlockingQueries(fields["blockingQueries"])
	if err != nil {
		return Document{}, err
	}

	return Document{
		Version:     raw.Version,
		PersistedAt: persistedAt,
		Snapshot: domain.ProtocolStateSnapshot{
			State:           state,
			Artifacts:       artifacts,
			BlockingQueries: queries,
		},
	}, nil
}

func encodeState(s domain.ProtocolState) (json.RawMessage, error) {
	var v any
	switch st := s.(type) {
	case domain.ActiveState:
		ps, err := encodePhaseState(st.Phase)
		if err != nil {
			return nil, err
		}
		v = activeJSON{Kind: domain.KindActive, Phase: ps}
	case domain.BlockedState:
		v = blockedJSON{
			Kind:      domain.KindBlocked,
			Phase:     string(st.Phase),
			Query:     st.Query,
			Options:   st.Options,
			BlockedAt: formatTime(st.BlockedAt),
			TimeoutMs: st.TimeoutMs,
		}
	case domain.FailedState:
		v = failedJSON{
			Kind:        domain.KindFailed,
			Phase:       string(st.Phase),
			Error:       st.Error,
			Code:        st.Code,
			Recoverable: st.Recoverable,
			Context:     st.Context,
			FailedAt:    formatTime(st.FailedAt),
		}
	case domain.CompleteState:
		arts := st.Artifacts
		if arts == nil {
			arts = []domain.ArtifactType{}
		}
		v = completeJSON{Kind: domain.KindComplete, Artifacts: arts}
	default:
		return nil, newError(KindValidation, fmt.Sprintf("unhandled protocol state %T", s), nil)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, newError(KindValidation, "marshal state", err)
	}
	return out, nil
}

func encodePhaseState(ps domain.PhaseState) (phaseStateJSON, error) {
	out := phaseStateJSON{Phase: string(ps.Phase)}
	if ps.Substate == nil {
		return out, nil
	}
	body, err := json.Marshal(ps.Substate)
	if err != nil {
		return out, newError(KindValidation, "marshal substate", err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return out, newError(KindValidation, "marshal substate", err)
	}
	step, _ := json.Marshal(ps.Substate.Step())
	fields["step"] = step
	out.Substate, err = json.Marshal(fields)
	if err != nil {
		return out, newError(KindValidation, "marshal substate", err)
	}
	return out, nil
}

func decodeState(raw json.RawMessage) (domain.ProtocolState, error) {
	var head struct {
		Kind *domain.StateKind `json:"kind"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, &PersistenceError{Kind: KindSchema, Message: "state must be an object", Cause: err}
	}
	if head.Kind == nil {
		return nil, schemaError("state is missing required field %q", "kind")
	}

	switch *head.Kind {
	case domain.KindActive:
		var v activeJSON
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, &PersistenceError{Kind: KindSchema, Message: "malformed Active state", Cause: err}
		}
		ps, err := decodePhaseState(v.Phase)
		if err != nil {
			return nil, err
		}
		return domain.ActiveState{Phase: ps}, nil

	case domain.KindBlocked:
		var v blockedJSON
		if err := decodeStrict(raw, &v, "Blocked", "phase", "query", "blockedAt"); err != nil {
			return nil, err
		}
		phase, err := decodePhase(v.Phase)
		if err != nil {
			return nil, err
		}
		at, err := parseTime(v.BlockedAt)
		if err != nil {
			return nil, schemaError("Blocked state blockedAt %q is not an ISO-8601 timestamp", v.BlockedAt)
		}
		return domain.BlockedState{
			Phase:     phase,
			Query:     v.Query,
			Options:   v.Options,
			BlockedAt: at,
			TimeoutMs: v.TimeoutMs,
		}, nil

	case domain.KindFailed:
		var v failedJSON
		if err := decodeStrict(raw, &v, "Failed", "phase", "error", "recoverable", "failedAt"); err != nil {
			return nil, err
		}
		phase, err := decodePhase(v.Phase)
		if err != nil {
			return nil, err
		}
		at, err := parseTime(v.FailedAt)
		if err != nil {
			return nil, schemaError("Failed state failedAt %q is not an ISO-8601 timestamp", v.FailedAt)
		}
		return domain.FailedState{
			Phase:       phase,
			Error:       v.Error,
			Code:        v.Code,
			Recoverable: v.Recoverable,
			Context:     v.Context,
			FailedAt:    at,
		}, nil

	case domain.KindComplete:
		var v completeJSON
		if err := decodeStrict(raw, &v, "Complete", "artifacts"); err != nil {
			return nil, err
		}
		for _, a := range v.Artifacts {
			if !a.IsValid() {
				return nil, schemaError("Complete state has unknown artifact type %q", a)
			}
		}
		return domain.CompleteState{Artifacts: v.Artifacts}, nil

	default:
		return nil, schemaError("unrecognized state kind %q", *head.Kind)
	}
}

// decodeStrict unmarshals raw into v after checking that required keys exist.
func decodeStrict(raw json.RawMessage, v any, kind string, required ...string) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return &PersistenceError{Kind: KindSchema, Message: "malformed " + kind + " state", Cause: err}
	}
	for _, f := range required {
		if _, ok := fields[f]; !ok {
			return schemaError("%s state is missing required field %q", kind, f)
		}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &PersistenceError{Kind: KindSchema, Message: "malformed " + kind + " state", Cause: err}
	}
	return nil
}

func decodePhaseState(v phaseStateJSON) (domain.PhaseState, error) {
	phase, err := decodePhase(v.Phase)
	if err != nil {
		return domain.PhaseState{}, err
	}
	if len(v.Substate) == 0 || bytes.Equal(v.Substate, []byte("null")) {
		ps, err := domain.NewPhaseState(phase, nil)
		if err != nil {
			return domain.PhaseState{}, &PersistenceError{Kind: KindSchema, Message: "invalid phase state", Cause: err}
		}
		return ps, nil
	}

	var head struct {
		Step string `json:"step"`
	}
	if err := json.Unmarshal(v.Substate, &head); err != nil {
		return domain.PhaseState{}, &PersistenceError{Kind: KindSchema, Message: "substate must be an object", Cause: err}
	}
	decode, ok := substateDecoders[head.Step]
	if !ok {
		return domain.PhaseState{}, schemaError("unrecognized substate step %q", head.Step)
	}
	sub, err := decode(v.Substate)
	if err != nil {
		return domain.PhaseState{}, &PersistenceError{Kind: KindSchema, Message: "malformed substate " + head.Step, Cause: err}
	}
	ps, err := domain.NewPhaseState(phase, sub)
	if err != nil {
		return domain.PhaseState{}, &PersistenceError{Kind: KindSchema, Message: "invalid phase state", Cause: err}
	}
	return ps, nil
}

func decodePhase(s string) (domain.ProtocolPhase, error) {
	p, err := domain.ParsePhase(s)
	if err != nil {
		return "", &PersistenceError{Kind: KindSchema, Message: "invalid phase", Details: s, Cause: err}
	}
	return p, nil
}

func decodeBlockingQueries(raw json.RawMessage) ([]domain.BlockingRecord, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, &PersistenceError{Kind: KindSchema, Message: "blockingQueries must be an array", Cause: err}
	}
	out := make([]domain.BlockingRecord, 0, len(items))
	for i, item := range items {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(item, &fields); err != nil || fields == nil {
			return nil, schemaError("blockingQueries[%d] must be an object", i)
		}
		for _, f := range blockingFields {
			if _, ok := fields[f]; !ok {
				return nil, schemaError("blockingQueries[%d] is missing required field %q", i, f)
			}
		}
		var q blockingJSON
		if err := json.Unmarshal(item, &q); err != nil {
			return nil, &PersistenceError{Kind: KindSchema, Message: fmt.Sprintf("blockingQueries[%d] is malformed", i), Cause: err}
		}
		phase, err := decodePhase(q.Phase)
		if err != nil {
			return nil, err
		}
		at, err := parseTime(q.BlockedAt)
		if err != nil {
			return nil, schemaError("blockingQueries[%d].blockedAt %q is not an ISO-8601 timestamp", i, q.BlockedAt)
		}
		out = append(out, domain.BlockingRecord{
			ID:        q.ID,
			Phase:     phase,
			Query:     q.Query,
			Options:   q.Options,
			BlockedAt: at,
			TimeoutMs: q.TimeoutMs,
			Resolved:  q.Resolved,
		})
	}
	return out, nil
}

func validateSnapshot(snap domain.ProtocolStateSnapshot) error {
	invalid := func(format string, args ...any) error {
		return &PersistenceError{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
	}

	switch st := snap.State.(type) {
	case nil:
		return invalid("snapshot has no state")
	case domain.ActiveState:
		if _, err := domain.NewPhaseState(st.Phase.Phase, st.Phase.Substate); err != nil {
			return &PersistenceError{Kind: KindValidation, Message: "invalid active phase state", Cause: err}
		}
	case domain.BlockedState:
		if !st.Phase.IsValid() {
			return invalid("blocked state has invalid phase %q", st.Phase)
		}
	case domain.FailedState:
		if !st.Phase.IsValid() {
			return invalid("failed state has invalid phase %q", st.Phase)
		}
	case domain.CompleteState:
		for _, a := range st.Artifacts {
			if !a.IsValid() {
				return invalid("complete state has unknown artifact %q", a)
			}
		}
	}
	for _, a := range snap.Artifacts {
		if !a.IsValid() {
			return invalid("unknown artifact %q", a)
		}
	}
	for i, q := range snap.BlockingQueries {
		if q.ID == "" {
			return invalid("blocking query %d has no id", i)
		}
		if !q.Phase.IsValid() {
			return invalid("blocking query %s has invalid phase %q", q.ID, q.Phase)
		}
	}
	return nil
}

func decodeSubstate[T domain.Substate](raw json.RawMessage) (domain.Substate, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

var substateDecoders = map[string]func(json.RawMessage) (domain.Substate, error){
	domain.StepInterviewing:            decodeSubstate[domain.IgnitionInterviewing],
	domain.StepSynthesizing:            decodeSubstate[domain.IgnitionSynthesizing],
	domain.StepAwaitingApproval:        decodeSubstate[domain.IgnitionAwaitingApproval],
	domain.StepGeneratingStructure:     decodeSubstate[domain.LatticeGeneratingStructure],
	domain.StepCompilingCheck:          decodeSubstate[domain.LatticeCompilingCheck],
	domain.StepRepairingStructure:      decodeSubstate[domain.LatticeRepairingStructure],
	domain.StepAuditing:                decodeSubstate[domain.AuditAuditing],
	domain.StepReportingContradictions: decodeSubstate[domain.AuditReportingContradictions],
	domain.StepSelectingFunction:       decodeSubstate[domain.InjectionSelectingFunction],
	domain.StepImplementing:            decodeSubstate[domain.InjectionImplementing],
	domain.StepVerifying:               decodeSubstate[domain.InjectionVerifying],
	domain.StepEscalating:              decodeSubstate[domain.InjectionEscalating],
	domain.StepGeneratingTests:         decodeSubstate[domain.MesoscopicGeneratingTests],
	domain.StepExecutingCluster:        decodeSubstate[domain.MesoscopicExecutingCluster],
	domain.StepHandlingVerdict:         decodeSubstate[domain.MesoscopicHandlingVerdict],
	domain.StepAnalyzingComplexity:     decodeSubstate[domain.MassDefectAnalyzingComplexity],
	domain.StepApplyingTransform:       decodeSubstate[domain.MassDefectApplyingTransform],
	domain.StepVerifyingSemantics:      decodeSubstate[domain.MassDefectVerifyingSemantics],
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
