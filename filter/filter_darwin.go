//go:build darwin

package filter

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

// filterImpl drives the PF packet filter through an anchor dedicated to our
// rules. The anchor must already be referenced from /etc/pf.conf.
type filterImpl struct {
	anchor string
	logger *logrus.Entry
}

func NewFilter(identifier string) (Filter, error) {
	enabled, err := isPFEnabled()
	if err != nil || !enabled {
		return nil, fmt.Errorf("PF service is not enabled: %v", err)
	}

	if refExists, err := pfCheckAnchor(identifier); err != nil {
		return nil, fmt.Errorf("failed to check anchor reference in /etc/pf.conf: %v", err)
	} else if !refExists {
		return nil, fmt.Errorf("anchor reference to %s does not exist in /etc/pf.conf. Please add it", identifier)
	}

	return &filterImpl{
		anchor: identifier,
		logger: logrus.WithField("component", "filter"),
	}, nil
}

func (f *filterImpl) AddTcpClientFiltering(dstAddr string, dstPort int) error {
	newRule := fmt.Sprintf("block drop out quick inet proto tcp from any to %s port = %d flags R/R", dstAddr, dstPort)
	return f.addRule(newRule)
}

func (f *filterImpl) RemoveTcpClientFiltering(dstAddr string, dstPort int) error {
	rule := fmt.Sprintf("block drop out quick inet proto tcp from any to %s port = %d flags R/R", dstAddr, dstPort)
	return f.removeRule(rule)
}

func (f *filterImpl) AddTcpServerFiltering(srcAddr string, srcPort int) error {
	newRule := fmt.Sprintf("block drop out quick inet proto tcp from %s port = %d to any flags R/R", srcAddr, srcPort)
	return f.addRule(newRule)
}

func (f *filterImpl) RemoveTcpServerFiltering(srcAddr string, srcPort int) error {
	rule := fmt.Sprintf("block drop out quick inet proto tcp from %s port = %d to any flags R/R", srcAddr, srcPort)
	return f.removeRule(rule)
}

// addRule appends a rule to the anchor, leaving existing rules intact.
func (f *filterImpl) addRule(newRule string) error {
	currentRules, err := getPfRules(f.anchor)
	if err != nil {
		return fmt.Errorf("failed to retrieve current rules: %v", err)
	}

	if !containsRule(currentRules, newRule) {
		currentRules = append(currentRules, newRule)
	}

	rulesText := strings.Join(currentRules, "\n")
	if err := pfLoadRules(f.anchor, rulesText); err != nil {
		return fmt.Errorf("failed to load updated rules: %v", err)
	}

	if err := verifyRuleExactMatch(f.anchor, newRule); err != nil {
		return fmt.Errorf("rule verification failed: %v", err)
	}

	f.logger.WithField("rule", newRule).Info("RST filtering rule added")
	return nil
}

// removeRule reloads the anchor without the given rule.
func (f *filterImpl) removeRule(ruleToRemove string) error {
	currentRules, err := getPfRules(f.anchor)
	if err != nil {
		return fmt.Errorf("failed to retrieve current rules: %v", err)
	}

	updatedRules := []string{}
	for _, rule := range currentRules {
		if strings.TrimSpace(rule) != strings.TrimSpace(ruleToRemove) {
			updatedRules = append(updatedRules, rule)
		}
	}

	rulesText := strings.Join(updatedRules, "\n") + "\n"
	if err := pfLoadRules(f.anchor, rulesText); err != nil {
		return fmt.Errorf("failed to load updated rules: %v", err)
	}
	return nil
}

// FinishFiltering flushes all rules in the anchor.
func (f *filterImpl) FinishFiltering() error {
	cmdFlush := exec.Command("pfctl", "-a", f.anchor, "-F", "rules")
	output, err := cmdFlush.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to flush rules for anchor %s: %v\nCommand output: %s", f.anchor, err, string(output))
	}
	return nil
}

func isPFEnabled() (bool, error) {
	output, err := exec.Command("pfctl", "-s", "info").CombinedOutput()
	if err != nil {
		return false, fmt.Errorf("pfctl check failed: %v\nOutput: %s", err, string(output))
	}
	return strings.Contains(string(output), "Status: Enabled"), nil
}

// pfCheckAnchor checks if /etc/pf.conf references the anchor.
func pfCheckAnchor(anchor string) (bool, error) {
	data, err := os.ReadFile("/etc/pf.conf")
	if err != nil {
		return false, fmt.Errorf("failed to read /etc/pf.conf: %v", err)
	}

	anchorRef := fmt.Sprintf("anchor \"%s\"", anchor)
	return strings.Contains(string(data), anchorRef), nil
}

// getPfRules retrieves the current PF rules for the anchor, keeping only
// "block" rules which is the only type we write.
func getPfRules(anchor string) ([]string, error) {
	cmd := exec.Command("pfctl", "-a", anchor, "-s", "rules")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to query PF rules: %v\nOutput: %s", err, string(output))
	}

	lines := strings.Split(string(output), "\n")
	var rules []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "block") {
			rules = append(rules, trimmed)
		}
	}
	return rules, nil
}

func pfLoadRules(anchor, rules string) error {
	cmd := exec.Command("sh", "-c", fmt.Sprintf("echo %q | sudo /sbin/pfctl -a %s -f -", rules, anchor))
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to load PF rules: %v\nCommand output: %s", err, string(output))
	}
	return nil
}

func verifyRuleExactMatch(anchor, expectedRule string) error {
	cmd := exec.Command("/sbin/pfctl", "-a", anchor, "-s", "rules")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to query PF rules: %v", err)
	}

	expected := strings.TrimSpace(expectedRule)
	current := strings.TrimSpace(string(output))
	if !strings.Contains(current, expected) {
		return fmt.Errorf("rule does not match\nCurrent rules:\n%s\nExpected:\n%s", current, expected)
	}
	return nil
}

func containsRule(rules []string, target string) bool {
	target = strings.TrimSpace(target)
	for _, rule := range rules {
		if strings.TrimSpace(rule) == target {
			return true
		}
	}
	return false
}
