// Package parse provides Tree-sitter based extraction of checksum-able
// code blocks from Python source.
package parse

import (
	"context"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// Synthetic block names.
const (
	ModuleBlock     = "<module>"
	ParseErrorBlock = "<parse_error>"
)

// Block represents a named, contiguous region of one source file.
// Line numbers are 1-based and inclusive.
type Block struct {
	Name      string
	StartLine int
	EndLine   int
	Checksum  int32
}

// Extractor wraps a Tree-sitter parser configured for Python.
// An Extractor is not safe for concurrent use; create one per goroutine.
type Extractor struct {
	parser *sitter.Parser
}

// NewExtractor creates a new Python block extractor.
func NewExtractor() *Extractor {
	p := sitter.NewParser()
	p.SetLanguage(python.GetLanguage())
	return &Extractor{parser: p}
}

// Extract parses source and returns its blocks in source order, followed by
// the synthetic <module> block covering all lines not claimed by a top-level
// named block.
//
// If the source does not parse, a single <parse_error> block spanning the
// whole file is returned, checksummed over the raw bytes, so any edit to an
// unparseable file invalidates every dependent test.
func (e *Extractor) Extract(src []byte) []Block {
	lines := strings.Split(string(src), "\n")

	tree, err := e.parser.ParseCtx(context.Background(), nil, src)
	if err != nil || tree.RootNode().HasError() {
		end := len(lines)
		if end < 1 {
			end = 1
		}
		return []Block{{
			Name:      ParseErrorBlock,
			StartLine: 1,
			EndLine:   end,
			Checksum:  ChecksumBytes(src),
		}}
	}

	root := tree.RootNode()

	var blocks []Block
	covered := make([]bool, len(lines))
	walk(root, src, lines, "", 0, &blocks, covered)

	// The <module> block aggregates every line not claimed by a top-level
	// named block: imports, constants, module-level calls, and comments
	// between definitions.
	var moduleLines []string
	for i, line := range lines {
		if !covered[i] {
			moduleLines = append(moduleLines, line)
		}
	}
	end := len(lines)
	if end < 1 {
		end = 1
	}
	blocks = append(blocks, Block{
		Name:      ModuleBlock,
		StartLine: 1,
		EndLine:   end,
		Checksum:  Checksum(Normalize(moduleLines)),
	})

	return blocks
}

// walk recurses through the AST emitting one block per function or class
// definition. Nested definitions produce their own blocks and remain part of
// the enclosing block's text, so editing the inner body changes both
// checksums. covered marks lines claimed by top-level (depth 0) blocks.
func walk(node *sitter.Node, src []byte, lines []string, prefix string, depth int, blocks *[]Block, covered []bool) {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)

		def, start := definitionNode(child)
		if def == nil {
			// Definitions can hide inside if/try/with bodies; keep the
			// same dotted prefix when descending.
			walk(child, src, lines, prefix, depth, blocks, covered)
			continue
		}

		nameNode := def.ChildByFieldName("name")
		if nameNode == nil {
			continue
		}
		name := nameNode.Content(src)
		if prefix != "" {
			name = prefix + "." + name
		}

		startLine := start
		endLine := int(def.EndPoint().Row) + 1
		if endLine > len(lines) {
			endLine = len(lines)
		}
		// Trailing blank lines are not part of the block.
		for endLine > startLine && strings.TrimSpace(lines[endLine-1]) == "" {
			endLine--
		}

		*blocks = append(*blocks, Block{
			Name:      name,
			StartLine: startLine,
			EndLine:   endLine,
			Checksum:  Checksum(Normalize(lines[startLine-1 : endLine])),
		})

		if depth == 0 {
			for l := startLine - 1; l < endLine; l++ {
				covered[l] = true
			}
		}

		if body := def.ChildByFieldName("body"); body != nil {
			walk(body, src, lines, name, depth+1, blocks, covered)
		}
	}
}

// definitionNode unwraps decorated definitions and returns the underlying
// function or class definition together with the 1-based start line, which
// is the first decorator line when decorators are present.
func definitionNode(node *sitter.Node) (*sitter.Node, int) {
	switch node.Type() {
	case "function_definition", "class_definition":
		return node, int(node.StartPoint().Row) + 1
	case "decorated_definition":
		def := node.ChildByFieldName("definition")
		if def == nil {
			return nil, 0
		}
		switch def.Type() {
		case "function_definition", "class_definition":
			return def, int(node.StartPoint().Row) + 1
		}
	}
	return nil, 0
}

// Normalize prepares block text for checksumming: trailing whitespace is
// stripped per line, lines are joined with \n, and fully blank leading and
// trailing lines are dropped. Comments, docstrings, and indentation are
// retained.
func Normalize(lines []string) string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = strings.TrimRight(l, " \t\r")
	}
	start, end := 0, len(out)
	for start < end && out[start] == "" {
		start++
	}
	for end > start && out[end-1] == "" {
		end--
	}
	return strings.Join(out[start:end], "\n")
}
