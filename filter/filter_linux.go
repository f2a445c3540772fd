//go:build linux

package filter

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

type filterImpl struct {
	comment string // tags our rules so FinishFiltering only touches ours
	logger  *logrus.Entry
}

func NewFilter(identifier string) (Filter, error) {
	if err := isIptablesEnabled(); err != nil {
		return nil, err
	}
	return &filterImpl{
		comment: identifier,
		logger:  logrus.WithField("component", "filter"),
	}, nil
}

func isIptablesEnabled() error {
	cmd := exec.Command("iptables", "-S")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("iptables is not enabled or available: %v\nOutput: %s", err, string(output))
	}
	return nil
}

// ruleExists checks the OUTPUT chain for a rule carrying our comment and
// the given matcher fragment, to avoid stacking duplicates.
func (f *filterImpl) ruleExists(fragment string) (bool, error) {
	cmd := exec.Command("iptables", "-S", "OUTPUT")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return false, fmt.Errorf("failed to list iptables rules: %v\nOutput: %s", err, string(output))
	}
	for _, line := range strings.Split(string(output), "\n") {
		if strings.Contains(line, f.comment) && strings.Contains(line, fragment) {
			return true, nil
		}
	}
	return false, nil
}

// AddTcpClientFiltering drops outbound RSTs towards a dialed server so the
// host stack cannot abort our handshake.
func (f *filterImpl) AddTcpClientFiltering(dstAddr string, dstPort int) error {
	fragment := fmt.Sprintf("-d %s", dstAddr)
	if exists, err := f.ruleExists(fragment); err != nil {
		return err
	} else if exists {
		return nil
	}

	cmd := exec.Command("iptables", "-A", "OUTPUT", "-p", "tcp", "--tcp-flags", "RST", "RST",
		"-d", dstAddr, "--dport", strconv.Itoa(dstPort),
		"-m", "comment", "--comment", f.comment, "-j", "DROP")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to add iptables rule: %v", err)
	}
	f.logger.WithFields(logrus.Fields{"dst": dstAddr, "dport": dstPort}).Info("client RST filtering rule added")
	return nil
}

func (f *filterImpl) RemoveTcpClientFiltering(dstAddr string, dstPort int) error {
	cmd := exec.Command("iptables", "-D", "OUTPUT", "-p", "tcp", "--tcp-flags", "RST", "RST",
		"-d", dstAddr, "--dport", strconv.Itoa(dstPort),
		"-m", "comment", "--comment", f.comment, "-j", "DROP")
	return cmd.Run()
}

// AddTcpServerFiltering drops outbound RSTs from a listening port, which
// the host stack would otherwise send for every inbound SYN.
func (f *filterImpl) AddTcpServerFiltering(srcAddr string, srcPort int) error {
	fragment := fmt.Sprintf("-s %s", srcAddr)
	if exists, err := f.ruleExists(fragment); err != nil {
		return err
	} else if exists {
		return nil
	}

	cmd := exec.Command("iptables", "-A", "OUTPUT", "-p", "tcp", "--tcp-flags", "RST", "RST",
		"-s", srcAddr, "--sport", strconv.Itoa(srcPort),
		"-m", "comment", "--comment", f.comment, "-j", "DROP")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to add iptables rule: %v", err)
	}
	f.logger.WithFields(logrus.Fields{"src": srcAddr, "sport": srcPort}).Info("server RST filtering rule added")
	return nil
}

func (f *filterImpl) RemoveTcpServerFiltering(srcAddr string, srcPort int) error {
	cmd := exec.Command("iptables", "-D", "OUTPUT", "-p", "tcp", "--tcp-flags", "RST", "RST",
		"-s", srcAddr, "--sport", strconv.Itoa(srcPort),
		"-m", "comment", "--comment", f.comment, "-j", "DROP")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to remove iptables rule: %v", err)
	}
	return nil
}

// FinishFiltering deletes every rule carrying our comment.
func (f *filterImpl) FinishFiltering() error {
	cmd := exec.Command("iptables", "-S", "OUTPUT")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to list iptables rules: %v\nOutput: %s", err, string(output))
	}

	var deleteErrors []string
	for _, line := range strings.Split(string(output), "\n") {
		if strings.Contains(line, "--comment \""+f.comment+"\"") || strings.Contains(line, "--comment "+f.comment) {
			deleteCmd := strings.Replace(line, "-A", "-D", 1)
			cmd := exec.Command("sh", "-c", "iptables "+deleteCmd)
			if out, err := cmd.CombinedOutput(); err != nil {
				deleteErrors = append(deleteErrors, fmt.Sprintf("%s\nError: %s", deleteCmd, string(out)))
			}
		}
	}

	if len(deleteErrors) > 0 {
		return fmt.Errorf("some rules failed to delete:\n%s", strings.Join(deleteErrors, "\n"))
	}
	return nil
}
