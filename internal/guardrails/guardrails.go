// Package guardrails enforces the process-level invariants that keep the
// platform from drifting: one canonical task board, one live version per
// subject family, proposals that never carry direct actions, and a single
// writer into the state store.
package guardrails

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/qiki/dtmp/internal/contracts"
)

const (
	ModeStrict  = "strict"
	ModeLenient = "lenient"
)

// Violation kinds.
const (
	KindSecondBoard    = "second_task_board"
	KindSubjectVersion = "duplicate_subject_version"
	KindDirectActions  = "proposal_direct_actions"
	KindSecondWriter   = "second_state_writer"
)

// Violation names a forbidden action. The offending action is refused in
// both modes; strict mode additionally makes the violation fatal.
type Violation struct {
	Kind   string
	Detail string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("guardrail violation (%s): %s", v.Kind, v.Detail)
}

// Policy applies the configured mode to detected violations.
type Policy struct {
	mode string
	log  *slog.Logger
}

func NewPolicy(mode string, log *slog.Logger) *Policy {
	if mode != ModeLenient {
		mode = ModeStrict
	}
	if log == nil {
		log = slog.Default()
	}
	return &Policy{mode: mode, log: log}
}

func (p *Policy) Strict() bool { return p.mode == ModeStrict }

// Handle returns the violation as an error in strict mode. In lenient mode
// it logs a warning and returns nil; the caller still refuses the action.
func (p *Policy) Handle(v *Violation) error {
	if v == nil {
		return nil
	}
	if p.mode == ModeLenient {
		p.log.Warn("[Guardrails] refusing action", "kind", v.Kind, "detail", v.Detail)
		return nil
	}
	return v
}

func (p *Policy) handleAll(vs []*Violation) error {
	for _, v := range vs {
		if err := p.Handle(v); err != nil {
			return err
		}
	}
	return nil
}

// ===== SUBJECT VERSIONS =====

// SubjectRegistry records which version each subject family publishes.
// Registering a second version for an already-live family is refused: wire
// migrations replace a version, they never run two in parallel.
type SubjectRegistry struct {
	mu       sync.Mutex
	byFamily map[string]string
}

func NewSubjectRegistry() *SubjectRegistry {
	return &SubjectRegistry{byFamily: make(map[string]string)}
}

// Register adds subject to the registry and reports a violation when its
// family is already live under a different version. Unversioned subjects
// pass through untouched.
func (r *SubjectRegistry) Register(subject string) *Violation {
	family, version := splitFamily(subject)
	if version == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byFamily[family]; ok && prev != version {
		return &Violation{
			Kind:   KindSubjectVersion,
			Detail: fmt.Sprintf("subject family %q already live at %s, refusing %s (%s)", family, prev, version, subject),
		}
	}
	r.byFamily[family] = version
	return nil
}

// CheckSubjects registers every subject and applies the policy to any
// version conflict found.
func (p *Policy) CheckSubjects(reg *SubjectRegistry, subjects ...string) error {
	var vs []*Violation
	for _, s := range subjects {
		if v := reg.Register(s); v != nil {
			vs = append(vs, v)
		}
	}
	return p.handleAll(vs)
}

func splitFamily(subject string) (family, version string) {
	tokens := strings.Split(subject, ".")
	for i, tok := range tokens {
		if contracts.IsVersionToken(tok) {
			return strings.Join(tokens[:i], "."), tok
		}
	}
	return subject, ""
}

// ===== TASK BOARDS =====

const canonicalBoard = "TASKS.md"

// referenceMarker exempts a board-like file from the single-board rule when
// it appears within the first kilobyte.
const referenceMarker = "reference only"

// FindExtraBoards scans dir (non-recursive) for board-like files other than
// the canonical TASKS.md that do not declare themselves reference-only.
func FindExtraBoards(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan boards: %w", err)
	}
	var extras []string
	for _, e := range entries {
		if e.IsDir() || !boardLike(e.Name()) || e.Name() == canonicalBoard {
			continue
		}
		exempt, err := hasReferenceMarker(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if !exempt {
			extras = append(extras, e.Name())
		}
	}
	return extras, nil
}

// CheckSingleBoard fails the gate when a second board-like file appears in
// dir without a reference-only header.
func (p *Policy) CheckSingleBoard(dir string) error {
	extras, err := FindExtraBoards(dir)
	if err != nil {
		return err
	}
	var vs []*Violation
	for _, name := range extras {
		vs = append(vs, &Violation{
			Kind:   KindSecondBoard,
			Detail: fmt.Sprintf("%s duplicates the canonical %s board; mark it %q or remove it", name, canonicalBoard, referenceMarker),
		})
	}
	return p.handleAll(vs)
}

func boardLike(name string) bool {
	lower := strings.ToLower(name)
	ext := filepath.Ext(lower)
	if ext != ".md" && ext != ".txt" {
		return false
	}
	base := strings.TrimSuffix(lower, ext)
	for _, marker := range []string{"task", "board", "backlog", "todo"} {
		if strings.Contains(base, marker) {
			return true
		}
	}
	return false
}

func hasReferenceMarker(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("scan boards: %w", err)
	}
	defer f.Close()
	head := make([]byte, 1024)
	n, _ := f.Read(head)
	return strings.Contains(strings.ToLower(string(head[:n])), referenceMarker), nil
}

// ===== PROPOSALS-ONLY =====

// CheckProposalsOnly refuses proposals that carry direct actions. Engines
// advise; only the executor layer actuates.
func (p *Policy) CheckProposalsOnly(proposals []contracts.Proposal) error {
	var vs []*Violation
	for _, prop := range proposals {
		if len(prop.Actions) > 0 {
			vs = append(vs, &Violation{
				Kind:   KindDirectActions,
				Detail: fmt.Sprintf("proposal %s from %s carries %d direct action(s)", prop.ID, prop.SourceModule, len(prop.Actions)),
			})
		}
	}
	return p.handleAll(vs)
}

// StripDirectActions returns the subset of proposals that honor the
// proposals-only policy. Offenders are dropped regardless of mode.
func StripDirectActions(proposals []contracts.Proposal) []contracts.Proposal {
	kept := proposals[:0]
	for _, prop := range proposals {
		if len(prop.Actions) == 0 {
			kept = append(kept, prop)
		}
	}
	return kept
}

// ===== STATE WRITERS =====

// SecondWriter builds the violation raised when a second component tries to
// acquire the state store writer token.
func SecondWriter(holder, claimant string) *Violation {
	return &Violation{
		Kind:   KindSecondWriter,
		Detail: fmt.Sprintf("state writer already held by %q, refusing %q", holder, claimant),
	}
}
