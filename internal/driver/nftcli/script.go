//go:build linux
// +build linux

package nftcli

import (
	"fmt"
	"strings"
)

const (
	tableFamily = "inet"
	tableName   = "gatekeeper"
	chainName   = "input"

	blockCommentPrefix  = "gk-block-"
	acceptCommentPrefix = "gk-accept-"
)

// scriptBuilder assembles an nft script line by line for atomic application
// via "nft -f -".
type scriptBuilder struct {
	lines []string
}

func newScriptBuilder() *scriptBuilder {
	return &scriptBuilder{lines: make([]string, 0, 8)}
}

func (b *scriptBuilder) addLine(line string) {
	b.lines = append(b.lines, line)
}

// ensureBaseLines emits the table and chain, both idempotent under "add".
func (b *scriptBuilder) ensureBaseLines() {
	b.addLine(fmt.Sprintf("add table %s %s", tableFamily, tableName))
	b.addLine(fmt.Sprintf("add chain %s %s %s { type filter hook input priority 0; policy accept; }",
		tableFamily, tableName, chainName))
}

func (b *scriptBuilder) addRule(ruleExpr, comment string) {
	b.addLine(fmt.Sprintf("add rule %s %s %s %s comment %q", tableFamily, tableName, chainName, ruleExpr, comment))
}

func (b *scriptBuilder) deleteRuleByHandle(handle string) {
	b.addLine(fmt.Sprintf("delete rule %s %s %s handle %s", tableFamily, tableName, chainName, handle))
}

func (b *scriptBuilder) build() string {
	return strings.Join(b.lines, "\n") + "\n"
}

func blockComment(port int) string {
	return fmt.Sprintf("%s%d", blockCommentPrefix, port)
}

func acceptComment(addr string, port int) string {
	return fmt.Sprintf("%s%s-%d", acceptCommentPrefix, addr, port)
}
