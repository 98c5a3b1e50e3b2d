package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/pterm/pterm"

	"github.com/JonMunkholm/csvsync/internal/core"
	"github.com/JonMunkholm/csvsync/internal/logging"
)

var passTitles = map[int]string{
	1: "Uploading rows",
	2: "Linking relations",
}

// progress renders core.Progress updates as a pterm progress bar. A new bar
// is started for every pass. Updates arrive from several workers.
type progress struct {
	w io.Writer

	mu   sync.Mutex
	pass int
	bar  *pterm.ProgressbarPrinter
}

func newProgress(w io.Writer) *progress {
	return &progress{w: w}
}

func (p *progress) update(u core.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bar == nil || u.Pass != p.pass {
		p.stopLocked()
		title, ok := passTitles[u.Pass]
		if !ok {
			title = "Pass " + strconv.Itoa(u.Pass)
		}
		bar, err := pterm.DefaultProgressbar.
			WithWriter(p.w).
			WithTotal(u.Total).
			WithShowCount(true).
			WithRemoveWhenDone(false).
			Start(title)
		if err != nil {
			return
		}
		p.bar, p.pass = bar, u.Pass
	}
	// updates may arrive out of order
	if delta := u.Done - p.bar.Current; delta > 0 {
		p.bar.Add(delta)
	}
}

func (p *progress) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *progress) stopLocked() {
	if p.bar != nil {
		_, _ = p.bar.Stop()
		p.bar = nil
	}
}

// printReport writes the run summary followed by any row failures.
func printReport(w io.Writer, remoteURL string, r *core.RunReport) {
	if r.DryRun {
		pterm.Info.WithWriter(w).Println("Dry run, nothing was written")
	} else {
		pterm.Success.WithWriter(w).Println("Sync complete")
	}

	target := r.TableRef
	if target == "" {
		target = "(new table)"
	} else {
		target = strings.TrimRight(remoteURL, "/") + "/api/tables/" + target
	}

	data := pterm.TableData{
		{"Table", target},
		{"Created", strconv.Itoa(r.Created)},
		{"Updated", strconv.Itoa(r.Updated)},
		{"Skipped", strconv.Itoa(r.Skipped)},
		{"Failed", strconv.Itoa(r.Failed())},
		{"Warnings", strconv.Itoa(len(r.Warnings))},
	}
	_ = pterm.DefaultTable.WithWriter(w).WithData(data).Render()

	failures := r.SortedFailures()
	if len(failures) == 0 {
		return
	}
	rows := pterm.TableData{{"Line", "Key", "Error"}}
	for _, f := range failures {
		rows = append(rows, []string{strconv.Itoa(f.Line), f.Key, logging.Mask(errString(f.Err))})
	}
	fmt.Fprintln(w)
	pterm.Warning.WithWriter(w).Printfln("%d rows failed", len(failures))
	_ = pterm.DefaultTable.WithWriter(w).WithHasHeader().WithData(rows).Render()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
