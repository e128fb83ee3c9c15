package guardrails

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/docmap"
	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/model"
)

// Rejection codes.
const (
	CodeEmptyInstruction     = "EMPTY_INSTRUCTION"
	CodeInstructionTooLong   = "INSTRUCTION_TOO_LONG"
	CodeMaliciousPattern     = "MALICIOUS_PATTERN_DETECTED"
	CodeForbiddenPattern     = "FORBIDDEN_PATTERN"
	CodeTooManyChanges       = "TOO_MANY_CHANGES"
	CodeAllChangesBlocked    = "ALL_CHANGES_BLOCKED"
	CodeDocumentTooLarge     = "DOCUMENT_TOO_LARGE"
	CodeDocumentSerializeErr = "DOCUMENT_SERIALIZATION_ERROR"
)

// Kind is the JSON kind a proposed string value would take.
type Kind string

const (
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindBoolean Kind = "boolean"
	KindArray   Kind = "array"
	KindObject  Kind = "object"
	KindNull    Kind = "null"
)

var knownKinds = map[Kind]bool{
	KindString: true, KindNumber: true, KindBoolean: true,
	KindArray: true, KindObject: true, KindNull: true,
}

// Config controls which instructions and changes are accepted.
type Config struct {
	Enabled              bool     `yaml:"enabled"`
	MaxChangesPerRequest int      `yaml:"max_changes_per_request"`
	ForbiddenPatterns    []string `yaml:"forbidden_patterns"`
	AllowedJSONTypes     []string `yaml:"allowed_json_types"`
	PreventDeletions     bool     `yaml:"prevent_deletions"`
	DeletionKeywords     []string `yaml:"deletion_keywords"`
	AllowEmptyValues     bool     `yaml:"allow_empty_values"`
	MaxInstructionLength int      `yaml:"max_instruction_length"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		MaxChangesPerRequest: 50,
		AllowedJSONTypes:     []string{"string", "number", "boolean", "array", "object"},
		PreventDeletions:     true,
		DeletionKeywords:     []string{"delete", "remove", "clear", "erase", "eliminate"},
		AllowEmptyValues:     true,
		MaxInstructionLength: 5000,
	}
}

// Rejection is returned when a policy refuses an instruction, a document or
// a whole change set.
type Rejection struct {
	Code       string
	Message    string
	BlockedIDs []string
	Warnings   []string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

func reject(code, format string, args ...any) *Rejection {
	return &Rejection{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Result is the outcome of a change validation that let at least one change
// through.
type Result struct {
	Accepted   []model.ProposedChange
	BlockedIDs []string
	Warnings   []string
}

var maliciousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)on\w+\s*=`),
	regexp.MustCompile(`(?i)eval\s*\(`),
	regexp.MustCompile(`(?i)exec\s*\(`),
	regexp.MustCompile(`(?i)__import__`),
	regexp.MustCompile(`(?i)subprocess`),
	regexp.MustCompile(`(?i)os\.system`),
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// Engine applies the configured policies. It is safe for concurrent use.
type Engine struct {
	cfg       Config
	forbidden []*regexp.Regexp
	allowed   map[Kind]bool
	deletion  *regexp.Regexp
	logger    *slog.Logger
}

// New compiles the configured patterns. An invalid pattern or unknown JSON
// kind is a configuration error.
func New(cfg Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{cfg: cfg, logger: logger.With("component", "guardrails")}

	for _, pattern := range cfg.ForbiddenPatterns {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return nil, fmt.Errorf("compile forbidden pattern %q: %w", pattern, err)
		}
		e.forbidden = append(e.forbidden, re)
	}

	if len(cfg.AllowedJSONTypes) > 0 {
		e.allowed = make(map[Kind]bool, len(cfg.AllowedJSONTypes))
		for _, name := range cfg.AllowedJSONTypes {
			kind := Kind(strings.ToLower(strings.TrimSpace(name)))
			if !knownKinds[kind] {
				return nil, fmt.Errorf("unknown json type %q", name)
			}
			e.allowed[kind] = true
		}
	}

	keywords := make([]string, 0, len(cfg.DeletionKeywords))
	for _, kw := range cfg.DeletionKeywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			keywords = append(keywords, regexp.QuoteMeta(kw))
		}
	}
	if len(keywords) > 0 {
		e.deletion = regexp.MustCompile(`(?i)\b(?:` + strings.Join(keywords, "|") + `)\b`)
	}
	return e, nil
}

// SanitizeInstruction validates an instruction and returns it trimmed with
// whitespace runs collapsed. The length and pattern checks run even when the
// engine is disabled; Enabled only turns off the change policies.
func (e *Engine) SanitizeInstruction(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", reject(CodeEmptyInstruction, "Instruction cannot be empty")
	}
	if n := utf8.RuneCountInString(text); e.cfg.MaxInstructionLength > 0 && n > e.cfg.MaxInstructionLength {
		return "", reject(CodeInstructionTooLong, "Instruction length (%d) exceeds maximum allowed length (%d)", n, e.cfg.MaxInstructionLength)
	}
	for _, re := range maliciousPatterns {
		if re.MatchString(text) {
			e.logger.Warn("instruction rejected", "code", CodeMaliciousPattern, "pattern", re.String())
			return "", reject(CodeMaliciousPattern, "Instruction contains potentially malicious content")
		}
	}
	for _, re := range e.forbidden {
		if re.MatchString(text) {
			e.logger.Warn("instruction rejected", "code", CodeForbiddenPattern, "pattern", re.String())
			return "", reject(CodeForbiddenPattern, "Instruction contains forbidden patterns")
		}
	}
	return whitespaceRun.ReplaceAllString(trimmed, " "), nil
}

// DetectsDeletionIntent reports whether deletion prevention is on and the
// instruction contains a deletion keyword as a whole word.
func (e *Engine) DetectsDeletionIntent(instruction string) bool {
	if !e.cfg.PreventDeletions || e.deletion == nil {
		return false
	}
	return e.deletion.MatchString(instruction)
}

// ValidateChanges filters proposed changes through the type and deletion
// policies. Blocked changes become warnings unless every change is blocked.
func (e *Engine) ValidateChanges(changes []model.ProposedChange, instruction string) (Result, error) {
	if !e.cfg.Enabled {
		return Result{Accepted: changes}, nil
	}
	if e.cfg.MaxChangesPerRequest > 0 && len(changes) > e.cfg.MaxChangesPerRequest {
		return Result{}, reject(CodeTooManyChanges, "Number of proposed changes (%d) exceeds maximum allowed (%d)", len(changes), e.cfg.MaxChangesPerRequest)
	}

	deletion := e.DetectsDeletionIntent(instruction)
	var res Result
	for _, change := range changes {
		if kind := InferKind(change.ProposedValue); e.allowed != nil && !e.allowed[kind] {
			res.BlockedIDs = append(res.BlockedIDs, change.ID)
			res.Warnings = append(res.Warnings, fmt.Sprintf("Change %s blocked: proposed value type %s not allowed", change.ID, kind))
			continue
		}
		if deletion && !e.cfg.AllowEmptyValues && strings.TrimSpace(change.ProposedValue) == "" {
			res.BlockedIDs = append(res.BlockedIDs, change.ID)
			res.Warnings = append(res.Warnings, fmt.Sprintf("Change %s blocked: deletion/empty value not allowed", change.ID))
			continue
		}
		res.Accepted = append(res.Accepted, change)
	}

	if len(changes) > 0 && len(res.Accepted) == 0 {
		return Result{}, &Rejection{
			Code:       CodeAllChangesBlocked,
			Message:    "All proposed changes were blocked by guardrails policies",
			BlockedIDs: res.BlockedIDs,
			Warnings:   res.Warnings,
		}
	}
	if len(res.BlockedIDs) > 0 {
		e.logger.Info("changes blocked", "blocked", len(res.BlockedIDs), "accepted", len(res.Accepted))
	}
	return res, nil
}

// ValidateDocumentSize rejects documents whose compact serialization exceeds
// maxBytes. A non-positive limit disables the check.
func (e *Engine) ValidateDocumentSize(document any, maxBytes int) error {
	encoded, err := docmap.Canonical(document)
	if err != nil {
		return reject(CodeDocumentSerializeErr, "Failed to serialize document for size validation: %v", err)
	}
	if maxBytes > 0 && len(encoded) > maxBytes {
		return reject(CodeDocumentTooLarge, "Document size (%d bytes) exceeds maximum allowed size (%d bytes)", len(encoded), maxBytes)
	}
	return nil
}

// InferKind classifies a proposed value by the first typed parse that
// accepts it. Text that parses as nothing else is a string.
func InferKind(value string) Kind {
	s := strings.TrimSpace(value)
	switch s {
	case "true", "false":
		return KindBoolean
	case "null":
		return KindNull
	}
	if isJSONNumber(s) {
		return KindNumber
	}
	if strings.HasPrefix(s, "[") || strings.HasPrefix(s, "{") {
		var v any
		if json.Unmarshal([]byte(s), &v) == nil {
			if _, ok := v.([]any); ok {
				return KindArray
			}
			return KindObject
		}
	}
	return KindString
}

func isJSONNumber(s string) bool {
	if s == "" || !strings.ContainsAny(s[:1], "-0123456789") {
		return false
	}
	var n json.Number
	return json.Unmarshal([]byte(s), &n) == nil
}

// IsRejection reports whether err carries a policy rejection and returns it.
func IsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
