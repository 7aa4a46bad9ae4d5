package network

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/vm0-ai/vm0-runner/internal/metrics"
	"github.com/vm0-ai/vm0-runner/pkg/types"
)

// interceptPorts are the guest destination ports steered into the
// transparent proxy.
var interceptPorts = []int{80, 443}

// RunnerTag returns the iptables comment that marks a rule as owned by a
// specific runner. The tag is how cleanup tells "mine" from "somebody
// else's" on a host, and it is stable across restarts of the same runner.
func RunnerTag(runnerName string) string {
	return "vm0:runner:" + runnerName
}

// ProxyManager owns the PREROUTING REDIRECT rules that steer guest TCP/80
// and TCP/443 into the local transparent proxy.
type ProxyManager struct {
	run Runner
}

func NewProxyManager(run Runner) *ProxyManager {
	return &ProxyManager{run: run}
}

func redirectRule(destPort, proxyPort int, tag string) []string {
	return []string{
		"-s", SubnetCIDR,
		"-p", "tcp", "--dport", strconv.Itoa(destPort),
		"-m", "comment", "--comment", tag,
		"-j", "REDIRECT", "--to-ports", strconv.Itoa(proxyPort),
	}
}

// SetupCIDRProxy ensures the two REDIRECT rules (dport 80 and 443) exist for
// the whole VM subnet, tagged with this runner's comment. Check-before-append;
// two racing setups can still both insert, which is tolerated — duplicates
// are semantically equivalent and collapsed by the doctor's sweep.
func (x *ProxyManager) SetupCIDRProxy(ctx context.Context, proxyPort int, tag string) error {
	for _, destPort := range interceptPorts {
		rule := redirectRule(destPort, proxyPort, tag)
		check := append([]string{"-t", "nat", "-C", "PREROUTING"}, rule...)
		if _, err := x.run.Run(ctx, "iptables", check...); err == nil {
			continue
		}
		add := append([]string{"-t", "nat", "-A", "PREROUTING"}, rule...)
		if _, err := x.run.Run(ctx, "iptables", add...); err != nil {
			return fmt.Errorf("add REDIRECT %d->%d: %w", destPort, proxyPort, err)
		}
		log.Printf("proxy: redirecting %s tcp/%d to :%d (%s)", SubnetCIDR, destPort, proxyPort, tag)
	}
	return nil
}

// CleanupCIDRProxy deletes the two CIDR-wide REDIRECT rules. Missing rules
// are not an error.
func (x *ProxyManager) CleanupCIDRProxy(ctx context.Context, proxyPort int, tag string) error {
	for _, destPort := range interceptPorts {
		del := append([]string{"-t", "nat", "-D", "PREROUTING"}, redirectRule(destPort, proxyPort, tag)...)
		if _, err := x.run.Run(ctx, "iptables", del...); err != nil {
			log.Printf("proxy: redirect rule tcp/%d already absent", destPort)
		}
	}
	return nil
}

// CleanupOrphanedProxyRules deletes every PREROUTING rule carrying this
// runner's tag, and nothing else. Called at runner startup to sweep whatever
// a crashed previous incarnation left behind.
func (x *ProxyManager) CleanupOrphanedProxyRules(ctx context.Context, tag string) (int, error) {
	lines, err := x.listPrerouting(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, line := range lines {
		tokens := tokenizeRule(line)
		if ruleComment(tokens) != tag {
			continue
		}
		if err := x.deleteRuleLine(ctx, tokens); err != nil {
			log.Printf("proxy: sweep delete failed: %v", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		metrics.ProxyRulesSweptTotal.Add(float64(removed))
		log.Printf("proxy: swept %d orphaned rules tagged %s", removed, tag)
	}
	return removed, nil
}

// ClearRulesForIP deletes every PREROUTING nat rule whose source is exactly
// the given address. Defensive cleanup when an address is recycled to a new
// VM: rules left by the previous tenant must not steer the new one.
func (x *ProxyManager) ClearRulesForIP(ctx context.Context, ip string) (int, error) {
	lines, err := x.listPrerouting(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, line := range lines {
		tokens := tokenizeRule(line)
		src := ruleSource(tokens)
		if src != ip && src != ip+"/32" {
			continue
		}
		if err := x.deleteRuleLine(ctx, tokens); err != nil {
			log.Printf("proxy: delete rule for %s: %v", ip, err)
			continue
		}
		removed++
	}
	return removed, nil
}

// ListNatRules returns the parsed REDIRECT rules currently in PREROUTING.
func (x *ProxyManager) ListNatRules(ctx context.Context) ([]types.NatRule, error) {
	lines, err := x.listPrerouting(ctx)
	if err != nil {
		return nil, err
	}

	var rules []types.NatRule
	for _, line := range lines {
		tokens := tokenizeRule(line)
		if !hasToken(tokens, "REDIRECT") {
			continue
		}
		rule := types.NatRule{
			Source:       ruleSource(tokens),
			Comment:      ruleComment(tokens),
			DestPort:     intAfter(tokens, "--dport"),
			RedirectPort: intAfter(tokens, "--to-ports"),
			Raw:          line,
		}
		if rule.RedirectPort == 0 {
			rule.RedirectPort = intAfter(tokens, "--to-port")
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// ListeningTCPPorts returns the local TCP ports with a listener, per ss.
func (x *ProxyManager) ListeningTCPPorts(ctx context.Context) (map[int]bool, error) {
	out, err := x.run.Run(ctx, "ss", "-ltn")
	if err != nil {
		return nil, err
	}

	ports := make(map[int]bool)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		// LISTEN 0 4096 127.0.0.1:8100 0.0.0.0:*
		for _, f := range fields {
			idx := strings.LastIndex(f, ":")
			if idx < 0 {
				continue
			}
			if port, err := strconv.Atoi(f[idx+1:]); err == nil && port > 0 {
				ports[port] = true
				break
			}
		}
	}
	return ports, nil
}

// FindOrphans selects the rules that no longer serve a live VM. A rule is
// orphaned when its redirect port has no local listener, or — for per-IP
// rules — when its source is not a currently-active VM address. CIDR-wide
// rules are judged on the port alone.
func FindOrphans(rules []types.NatRule, activeIPs map[string]bool, listening map[int]bool) []types.NatRule {
	var orphans []types.NatRule
	for _, rule := range rules {
		if !listening[rule.RedirectPort] {
			orphans = append(orphans, rule)
			continue
		}
		src := strings.TrimSuffix(rule.Source, "/32")
		if strings.Contains(rule.Source, "/") && !strings.HasSuffix(rule.Source, "/32") {
			continue // subnet-wide rule with a live listener
		}
		if !activeIPs[src] {
			orphans = append(orphans, rule)
		}
	}
	return orphans
}

// listPrerouting returns the -A lines of iptables -t nat -S PREROUTING.
func (x *ProxyManager) listPrerouting(ctx context.Context) ([]string, error) {
	out, err := x.run.Run(ctx, "iptables", "-t", "nat", "-S", "PREROUTING")
	if err != nil {
		return nil, err
	}

	var lines []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "-A PREROUTING ") {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// deleteRuleLine turns a "-A PREROUTING ..." listing line into the matching
// delete and runs it.
func (x *ProxyManager) deleteRuleLine(ctx context.Context, tokens []string) error {
	if len(tokens) < 2 || tokens[0] != "-A" {
		return fmt.Errorf("not an append rule: %v", tokens)
	}
	args := append([]string{"-t", "nat", "-D"}, tokens[1:]...)
	_, err := x.run.Run(ctx, "iptables", args...)
	return err
}

// tokenizeRule splits an iptables -S line, honouring the double quotes
// iptables puts around comment values.
func tokenizeRule(line string) []string {
	var tokens []string
	var cur strings.Builder
	inQuote := false
	for _, r := range line {
		switch {
		case r == '"':
			inQuote = !inQuote
		case r == ' ' && !inQuote:
			if cur.Len() > 0 {
				tokens = append(tokens, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}
	return tokens
}

func ruleSource(tokens []string) string {
	return tokenAfter(tokens, "-s")
}

func ruleComment(tokens []string) string {
	return tokenAfter(tokens, "--comment")
}

func tokenAfter(tokens []string, flag string) string {
	for i, t := range tokens {
		if t == flag && i+1 < len(tokens) {
			return tokens[i+1]
		}
	}
	return ""
}

func hasToken(tokens []string, want string) bool {
	for _, t := range tokens {
		if t == want {
			return true
		}
	}
	return false
}

func intAfter(tokens []string, flag string) int {
	v := tokenAfter(tokens, flag)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
