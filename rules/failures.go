package rules

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/tgruben-circuit/kira/db"
)

const failuresSchema = `
CREATE TABLE IF NOT EXISTS failures (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	error_hash TEXT UNIQUE,
	error_type TEXT NOT NULL,
	error_message TEXT NOT NULL,
	context TEXT NOT NULL DEFAULT '',
	solution TEXT NOT NULL DEFAULT '',
	task_keywords TEXT NOT NULL DEFAULT '[]',
	file_patterns TEXT NOT NULL DEFAULT '[]',
	created_at INTEGER NOT NULL,
	occurrence_count INTEGER NOT NULL DEFAULT 1,
	last_occurred INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_failures_type ON failures(error_type);
`

// FailurePattern is one recorded failure and, once known, its fix.
type FailurePattern struct {
	ID              int64
	ErrorType       string
	ErrorMessage    string
	Context         string
	Solution        string
	TaskKeywords    []string
	FilePatterns    []string
	CreatedAt       time.Time
	OccurrenceCount int
	LastOccurred    time.Time
}

// MatchScore rates how relevant this pattern is to a task, in [0, 1].
// Keyword overlap carries the most weight, then file-extension overlap,
// with a boost when the task mentions the error type directly.
func (p *FailurePattern) MatchScore(task string, files []string) float64 {
	score := 0.0
	task = strings.ToLower(task)

	if len(p.TaskKeywords) > 0 {
		matched := 0
		for _, kw := range p.TaskKeywords {
			if strings.Contains(task, kw) {
				matched++
			}
		}
		score += 0.4 * float64(matched) / float64(len(p.TaskKeywords))
	}

	if len(files) > 0 && len(p.FilePatterns) > 0 {
		matched := 0
		for _, fp := range p.FilePatterns {
			for _, f := range files {
				if strings.Contains(f, fp) {
					matched++
					break
				}
			}
		}
		score += 0.3 * float64(matched) / float64(len(p.FilePatterns))
	}

	if strings.Contains(task, strings.ToLower(p.ErrorType)) {
		score += 0.3
	}

	if score > 1.0 {
		score = 1.0
	}
	return score
}

// Warning formats the pattern for prompt injection.
func (p *FailurePattern) Warning() string {
	return fmt.Sprintf("**Known Issue (%s)**: %s\n   **Solution**: %s",
		p.ErrorType, truncate(p.ErrorMessage, 100), truncate(p.Solution, 150))
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// Failures is an append-only store of failure patterns keyed by a hash
// of the error. Repeats bump an occurrence counter instead of adding
// rows.
type Failures struct {
	pool *db.Pool
}

// OpenFailures opens (creating if needed) the failure store at path.
// An empty path defaults to ~/.kira/failures.db.
func OpenFailures(path string) (*Failures, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failures: resolve home: %w", err)
		}
		path = filepath.Join(home, ".kira", "failures.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failures: create dir: %w", err)
	}
	pool, err := db.NewPool(path, 2)
	if err != nil {
		return nil, fmt.Errorf("failures: open %s: %w", path, err)
	}
	if err := pool.Exec(context.Background(), failuresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failures: init schema: %w", err)
	}
	return &Failures{pool: pool}, nil
}

// Close releases the underlying database.
func (f *Failures) Close() error {
	return f.pool.Close()
}

// Record stores a failure, deduplicating on (error type, message
// prefix). A repeat bumps occurrence_count and, when a non-empty
// solution is given, replaces the stored solution.
func (f *Failures) Record(ctx context.Context, errorType, errorMessage, failContext, solution, task string, files []string) error {
	hash := fmt.Sprintf("%x", md5.Sum([]byte(errorType+":"+truncate(errorMessage, 100))))

	keywords, _ := json.Marshal(extractKeywords(task))
	patterns, _ := json.Marshal(fileExtensions(files))

	return f.pool.Tx(ctx, func(ctx context.Context, tx *db.Tx) error {
		res, err := tx.Exec(`
			UPDATE failures
			SET occurrence_count = occurrence_count + 1,
			    last_occurred = ?,
			    solution = CASE WHEN ? != '' THEN ? ELSE solution END
			WHERE error_hash = ?`,
			tx.Now.UnixNano(), solution, solution, hash)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		_, err = tx.Exec(`
			INSERT INTO failures
				(error_hash, error_type, error_message, context, solution,
				 task_keywords, file_patterns, created_at, last_occurred)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			hash, errorType, errorMessage, failContext, solution,
			string(keywords), string(patterns), tx.Now.UnixNano(), tx.Now.UnixNano())
		return err
	})
}

// RecordSolution attaches a fix to an already-recorded failure.
func (f *Failures) RecordSolution(ctx context.Context, id int64, solution string) error {
	return f.pool.Tx(ctx, func(ctx context.Context, tx *db.Tx) error {
		_, err := tx.Exec(`UPDATE failures SET solution = ? WHERE id = ?`, solution, id)
		return err
	})
}

// RelevantWarnings returns up to limit solved patterns scoring at least
// minScore against the task, best first. Patterns without a solution
// are never returned; a pitfall with no fix is not actionable advice.
func (f *Failures) RelevantWarnings(ctx context.Context, task string, files []string, minScore float64, limit int) ([]*FailurePattern, error) {
	var candidates []*FailurePattern
	err := f.pool.Rx(ctx, func(ctx context.Context, rx *db.Rx) error {
		rows, err := rx.Query(`
			SELECT id, error_type, error_message, context, solution,
			       task_keywords, file_patterns, created_at, occurrence_count, last_occurred
			FROM failures
			WHERE solution != ''
			ORDER BY occurrence_count DESC, last_occurred DESC
			LIMIT 50`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var p FailurePattern
			var keywords, patterns string
			var created, last int64
			if err := rows.Scan(&p.ID, &p.ErrorType, &p.ErrorMessage, &p.Context, &p.Solution,
				&keywords, &patterns, &created, &p.OccurrenceCount, &last); err != nil {
				return err
			}
			json.Unmarshal([]byte(keywords), &p.TaskKeywords)
			json.Unmarshal([]byte(patterns), &p.FilePatterns)
			p.CreatedAt = time.Unix(0, created)
			p.LastOccurred = time.Unix(0, last)
			candidates = append(candidates, &p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	type scored struct {
		score   float64
		pattern *FailurePattern
	}
	var matched []scored
	for _, p := range candidates {
		if score := p.MatchScore(task, files); score >= minScore {
			matched = append(matched, scored{score, p})
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].score > matched[j].score })

	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]*FailurePattern, len(matched))
	for i, m := range matched {
		out[i] = m.pattern
	}
	return out, nil
}

// ContextString formats relevant warnings for prompt injection, or ""
// when none apply.
func (f *Failures) ContextString(ctx context.Context, task string, files []string, maxWarnings int) (string, error) {
	warnings, err := f.RelevantWarnings(ctx, task, files, 0.3, maxWarnings)
	if err != nil || len(warnings) == 0 {
		return "", err
	}
	lines := []string{"## Known Pitfalls (learn from past mistakes)\n"}
	for _, p := range warnings {
		lines = append(lines, p.Warning(), "")
	}
	return strings.Join(lines, "\n"), nil
}

var stopWords = map[string]bool{
	"the": true, "and": true, "but": true, "for": true, "with": true,
	"was": true, "were": true, "been": true, "being": true, "have": true,
	"has": true, "had": true, "does": true, "did": true, "will": true,
	"would": true, "could": true, "should": true, "may": true, "might": true,
	"must": true, "shall": true, "can": true, "need": true, "please": true,
	"you": true, "they": true, "this": true, "that": true, "these": true,
	"those": true, "are": true, "not": true,
}

var wordPattern = regexp.MustCompile(`\b[a-z]+\b`)

// extractKeywords pulls up to ten distinctive lowercase words from a
// task description, dropping stop words and anything under three
// characters.
func extractKeywords(task string) []string {
	words := wordPattern.FindAllString(strings.ToLower(task), -1)
	seen := make(map[string]bool)
	var out []string
	for _, w := range words {
		if len(w) <= 2 || stopWords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
		if len(out) == 10 {
			break
		}
	}
	return out
}

func fileExtensions(files []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range files {
		ext := filepath.Ext(f)
		if ext == "" || seen[ext] {
			continue
		}
		seen[ext] = true
		out = append(out, ext)
	}
	return out
}

// errorSignatures maps error classes to patterns detected in agent
// output. Checked in order.
var errorSignatures = []struct {
	kind     string
	patterns []*regexp.Regexp
}{
	{"SyntaxError", compileAll(`(?i)SyntaxError:`, `(?i)syntax error`, `(?i)unexpected token`)},
	{"ImportError", compileAll(`(?i)ImportError:`, `(?i)ModuleNotFoundError:`, `(?i)no module named`, `(?i)cannot find package`)},
	{"TypeError", compileAll(`(?i)TypeError:`, `(?i)not callable`, `(?i)type mismatch`)},
	{"BuildError", compileAll(`(?i)build failed`, `(?i)compilation error`, `(?i)undefined:`)},
	{"TestFailure", compileAll(`FAILED`, `(?i)AssertionError:`, `(?i)test.*failed`, `--- FAIL`)},
	{"FileNotFound", compileAll(`(?i)FileNotFoundError:`, `(?i)no such file or directory`)},
	{"RuntimeError", compileAll(`(?i)RuntimeError:`, `(?i)panic:`, `(?i)maximum recursion`)},
}

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

// DetectErrorType classifies failure output into a known error class,
// or "" when nothing matches.
func DetectErrorType(output string) string {
	for _, sig := range errorSignatures {
		for _, p := range sig.patterns {
			if p.MatchString(output) {
				return sig.kind
			}
		}
	}
	return ""
}
