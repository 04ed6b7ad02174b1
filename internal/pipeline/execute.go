package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// execResult carries the outcome of one analysis script run, including
// diagnostics for the failure paths.
type execResult struct {
	Facts        map[string]any
	RowsStreamed int
	Stderr       string
	Stdout       string
	TimedOut     bool
	Duration     time.Duration
}

// runScript executes the analysis script against the full stock entry set.
// Rows are streamed to the interpreter's stdin as newline-delimited JSON in
// keyset pages, so neither side ever holds more than one page in memory.
// Closing stdin is the end-of-input signal; the script then writes exactly
// one JSON facts document to stdout. A hard wall-clock timeout kills the
// subprocess. This stage never retries.
func (p *Pipeline) runScript(ctx context.Context, analysisID, script string) (*execResult, error) {
	scriptFile, err := os.CreateTemp("", "stockintel-*.script")
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create script file")
	}
	scriptPath := scriptFile.Name()
	defer os.Remove(scriptPath)
	if _, err := scriptFile.WriteString(script); err != nil {
		scriptFile.Close()
		return nil, eris.Wrap(err, "pipeline: write script file")
	}
	if err := scriptFile.Close(); err != nil {
		return nil, eris.Wrap(err, "pipeline: close script file")
	}

	timeout := time.Duration(p.cfg.Pipeline.ExecTimeoutSecs) * time.Second
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	parts := strings.Fields(p.cfg.Pipeline.Interpreter)
	if len(parts) == 0 {
		return nil, eris.New("pipeline: no interpreter configured")
	}
	cmd := exec.CommandContext(execCtx, parts[0], append(parts[1:], scriptPath)...)
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: open stdin pipe")
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, eris.Wrapf(err, "pipeline: start interpreter %s", parts[0])
	}

	rowsStreamed := 0
	g := new(errgroup.Group)
	g.Go(func() error {
		defer stdin.Close()
		enc := json.NewEncoder(stdin)
		var afterID int64
		for {
			page, pageErr := p.store.ListStockEntriesPage(execCtx, analysisID, afterID, p.cfg.Pipeline.StreamPageSize)
			if pageErr != nil {
				return pageErr
			}
			for i := range page {
				if encErr := enc.Encode(page[i].Record()); encErr != nil {
					return encErr
				}
				rowsStreamed++
			}
			if len(page) < p.cfg.Pipeline.StreamPageSize {
				return nil
			}
			afterID = page[len(page)-1].ID
		}
	})

	waitErr := cmd.Wait()
	streamErr := g.Wait()

	result := &execResult{
		RowsStreamed: rowsStreamed,
		Duration:     time.Since(start),
		Stderr:       truncate(stderr.String(), maxDiagnosticBytes),
	}

	if execCtx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		return result, eris.Errorf("pipeline: script timed out after %s", timeout)
	}
	if waitErr != nil {
		return result, eris.Wrap(waitErr, "pipeline: script failed")
	}
	if streamErr != nil && !isClosedPipe(streamErr) {
		return result, eris.Wrap(streamErr, "pipeline: stream rows")
	}

	dec := json.NewDecoder(bytes.NewReader(stdout.Bytes()))
	var facts map[string]any
	if err := dec.Decode(&facts); err != nil {
		result.Stdout = truncate(stdout.String(), maxDiagnosticBytes)
		return result, eris.Wrap(err, "pipeline: script stdout is not a JSON object")
	}
	if dec.More() {
		result.Stdout = truncate(stdout.String(), maxDiagnosticBytes)
		return result, eris.New("pipeline: script wrote more than one JSON document")
	}
	// json accepts a bare null into a map without error.
	if facts == nil {
		result.Stdout = truncate(stdout.String(), maxDiagnosticBytes)
		return result, eris.New("pipeline: script stdout is not a JSON object")
	}

	result.Facts = facts
	zap.L().Info("pipeline: script completed",
		zap.String("analysis_id", analysisID),
		zap.Int("rows_streamed", rowsStreamed),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

// isClosedPipe reports whether err came from writing to a subprocess that
// exited before reading all input. A script that finishes early with valid
// output is still accepted.
func isClosedPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, os.ErrClosed) ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "file already closed")
}
