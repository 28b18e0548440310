package isolation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
)

const (
	filterTable = "filter"
	outputChain = "OUTPUT"

	// chainPrefix names the per-run chain: TC-<first 8 chars of run id>.
	chainPrefix = "TC-"

	// commentPrefix tags the OUTPUT jump and granted entries so operators
	// can spot them.
	commentPrefix = "tunnelcheck:"

	// grantSuffix marks a rule as granted rather than part of the base
	// whitelist. Revoke only deletes rules carrying it.
	grantSuffix = ":grant"

	// grantPosition is where granted entries are inserted in the run chain:
	// after the loopback and conntrack accepts, before the base entries and
	// the terminal REJECT.
	grantPosition = 3
)

// ruleTable is the subset of *iptables.IPTables the backend uses.
type ruleTable interface {
	NewChain(table, chain string) error
	ChainExists(table, chain string) (bool, error)
	ClearAndDeleteChain(table, chain string) error
	Insert(table, chain string, pos int, rulespec ...string) error
	Append(table, chain string, rulespec ...string) error
	Exists(table, chain string, rulespec ...string) (bool, error)
	DeleteIfExists(table, chain string, rulespec ...string) error
}

// IPTablesBackend installs each run as a dedicated chain in the filter
// table, hooked at the top of OUTPUT:
//
//	-A TC-xxxxxxxx -o lo -j ACCEPT
//	-A TC-xxxxxxxx -m conntrack --ctstate ESTABLISHED,RELATED -j ACCEPT
//	-A TC-xxxxxxxx -d <prefix> [-p <proto> --dport <port>] -m comment --comment tunnelcheck:<run id>:grant -j ACCEPT
//	-A TC-xxxxxxxx -d <prefix> [-p <proto> --dport <port>] -j ACCEPT
//	-A TC-xxxxxxxx -j REJECT
//	-I OUTPUT 1 -m comment --comment tunnelcheck:<run id> -j TC-xxxxxxxx
//
// Removing the run deletes the jump and the chain, leaving any pre-existing
// policy untouched.
type IPTablesBackend struct {
	mu     sync.Mutex
	v4     ruleTable
	v6     ruleTable // nil when ip6tables is unavailable
	deps   *DependencyCheck
	logger *slog.Logger
}

// Name returns "iptables".
func (b *IPTablesBackend) Name() string { return "iptables" }

// Available reports whether iptables can be programmed.
func (b *IPTablesBackend) Available() bool {
	return b.v4 != nil && b.deps.OK()
}

// CheckDependencies returns the checks made when the backend was created.
func (b *IPTablesBackend) CheckDependencies() *DependencyCheck {
	return b.deps
}

// ChainName returns the chain used for runID.
func ChainName(runID string) string {
	short := strings.ReplaceAll(runID, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	return chainPrefix + short
}

func jumpSpec(runID string) []string {
	return []string{"-m", "comment", "--comment", commentPrefix + runID, "-j", ChainName(runID)}
}

func (b *IPTablesBackend) tables() []ruleTable {
	if b.v6 != nil {
		return []ruleTable{b.v4, b.v6}
	}
	return []ruleTable{b.v4}
}

// tableFor returns the table for an entry's address family, or nil if the
// family is not available.
func (b *IPTablesBackend) tableFor(e Entry) ruleTable {
	if e.Prefix.Addr().Is4() {
		return b.v4
	}
	return b.v6
}

// Install creates and hooks the run chain in every available family.
func (b *IPTablesBackend) Install(ctx context.Context, runID string, base []Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.v4 == nil {
		return errors.New("iptables: not available")
	}
	chain := ChainName(runID)
	for _, t := range b.tables() {
		if err := ctx.Err(); err != nil {
			return err
		}
		exists, err := t.ChainExists(filterTable, chain)
		if err != nil {
			return fmt.Errorf("check chain %s: %w", chain, err)
		}
		if exists {
			return fmt.Errorf("chain %s already exists", chain)
		}
		if err := t.NewChain(filterTable, chain); err != nil {
			return fmt.Errorf("create chain %s: %w", chain, err)
		}
		preamble := [][]string{
			{"-o", "lo", "-j", "ACCEPT"},
			{"-m", "conntrack", "--ctstate", "ESTABLISHED,RELATED", "-j", "ACCEPT"},
		}
		for _, spec := range preamble {
			if err := t.Append(filterTable, chain, spec...); err != nil {
				return fmt.Errorf("append to %s: %w", chain, err)
			}
		}
	}

	for _, e := range base {
		t := b.tableFor(e)
		if t == nil {
			b.logger.Warn("ip6tables unavailable, skipping entry", "entry", e.String())
			continue
		}
		for _, spec := range entrySpecs(e) {
			if err := t.Append(filterTable, chain, spec...); err != nil {
				return fmt.Errorf("append %s: %w", e, err)
			}
		}
	}

	for _, t := range b.tables() {
		if err := t.Append(filterTable, chain, "-j", "REJECT"); err != nil {
			return fmt.Errorf("append reject to %s: %w", chain, err)
		}
		if err := t.Insert(filterTable, outputChain, 1, jumpSpec(runID)...); err != nil {
			return fmt.Errorf("hook %s into %s: %w", chain, outputChain, err)
		}
	}
	b.logger.Debug("iptables chain installed", "chain", chain, "entries", len(base))
	return nil
}

// Grant inserts entries ahead of the run's terminal REJECT. Granted rules are
// tagged, so a grant that repeats a base entry still gets its own rule and
// revoking it leaves the base entry in place.
func (b *IPTablesBackend) Grant(ctx context.Context, runID string, entries []Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	chain := ChainName(runID)
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		t := b.tableFor(e)
		if t == nil {
			return fmt.Errorf("grant %s: ip6tables unavailable", e)
		}
		for _, spec := range grantSpecs(runID, e) {
			ok, err := t.Exists(filterTable, chain, spec...)
			if err != nil {
				return fmt.Errorf("grant %s: %w", e, err)
			}
			if ok {
				continue
			}
			if err := t.Insert(filterTable, chain, grantPosition, spec...); err != nil {
				return fmt.Errorf("grant %s: %w", e, err)
			}
		}
	}
	return nil
}

// Revoke deletes granted entries. Entries already gone are ignored, and base
// entries are never touched.
func (b *IPTablesBackend) Revoke(_ context.Context, runID string, entries []Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	chain := ChainName(runID)
	var errs []error
	for _, e := range entries {
		t := b.tableFor(e)
		if t == nil {
			continue
		}
		for _, spec := range grantSpecs(runID, e) {
			if err := t.DeleteIfExists(filterTable, chain, spec...); err != nil {
				errs = append(errs, fmt.Errorf("revoke %s: %w", e, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Remove unhooks and deletes the run chain in every family. Missing jumps
// and chains are not errors, so Remove can be repeated safely.
func (b *IPTablesBackend) Remove(_ context.Context, runID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	chain := ChainName(runID)
	var errs []error
	for _, t := range b.tables() {
		if err := t.DeleteIfExists(filterTable, outputChain, jumpSpec(runID)...); err != nil {
			errs = append(errs, fmt.Errorf("unhook %s: %w", chain, err))
			continue
		}
		exists, err := t.ChainExists(filterTable, chain)
		if err != nil {
			errs = append(errs, fmt.Errorf("check chain %s: %w", chain, err))
			continue
		}
		if !exists {
			continue
		}
		if err := t.ClearAndDeleteChain(filterTable, chain); err != nil {
			errs = append(errs, fmt.Errorf("delete chain %s: %w", chain, err))
		}
	}
	return errors.Join(errs...)
}

// entrySpecs renders the ACCEPT rules for an entry.
func entrySpecs(e Entry) [][]string {
	var specs [][]string
	for _, c := range e.concrete() {
		spec := []string{"-d", c.Prefix.String()}
		if c.Proto != ProtoAny {
			spec = append(spec, "-p", string(c.Proto))
			if c.Port != 0 {
				spec = append(spec, "--dport", strconv.Itoa(int(c.Port)))
			}
		}
		spec = append(spec, "-j", "ACCEPT")
		specs = append(specs, spec)
	}
	return specs
}

// grantSpecs renders the ACCEPT rules for a granted entry.
func grantSpecs(runID string, e Entry) [][]string {
	specs := entrySpecs(e)
	for i, spec := range specs {
		// spec ends in "-j ACCEPT"; the comment goes ahead of the target.
		n := len(spec) - 2
		tagged := make([]string, 0, len(spec)+4)
		tagged = append(tagged, spec[:n]...)
		tagged = append(tagged, "-m", "comment", "--comment", commentPrefix+runID+grantSuffix)
		specs[i] = append(tagged, spec[n:]...)
	}
	return specs
}
