package ingest

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/graphline/graphline/lineage"
	"github.com/graphline/graphline/plugin"
)

const (
	DefaultChunkSize    = 1600
	DefaultChunkOverlap = 200
)

// Chunk is one retrieval-sized passage of a source file, tagged with the
// logical object it came from so search hits can name the view or procedure,
// not just a byte range.
type Chunk struct {
	ID         string `json:"id"`
	FilePath   string `json:"file_path"`
	SourceStem string `json:"source_stem"`
	ObjectType string `json:"object_type"`
	ObjectName string `json:"object_name"`
	Content    string `json:"content"`
	StartLine  int    `json:"start_line"`
	EndLine    int    `json:"end_line"`
}

// Chunker splits files along logical boundaries: SQL statements for SQL
// files, blank-line separated blocks elsewhere, with a hard size cap and
// overlap between adjacent oversized slices.
type Chunker struct {
	chunkSize int
	overlap   int
}

func NewChunker(chunkSize, overlap int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = DefaultChunkOverlap
	}
	return &Chunker{chunkSize: chunkSize, overlap: overlap}
}

// Chunk splits content for the given file. Chunk IDs are deterministic in
// (path, object, index), so re-ingesting unchanged content produces identical
// IDs and upserts replace instead of duplicating.
func (c *Chunker) Chunk(filePath, content string) []Chunk {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	stem := lineage.SourceStem(filePath)

	var sections []section
	if isSQLPath(filePath) {
		sections = sqlSections(content)
	} else {
		sections = blockSections(content)
	}

	var chunks []Chunk
	for _, sec := range sections {
		for i, pc := range c.split(sec.text) {
			chunks = append(chunks, Chunk{
				ID:         chunkID(filePath, sec.objectName, i),
				FilePath:   filePath,
				SourceStem: stem,
				ObjectType: sec.objectType,
				ObjectName: sec.objectName,
				Content:    pc.text,
				StartLine:  sec.startLine + pc.lineOffset,
				EndLine:    sec.startLine + pc.lineOffset + strings.Count(strings.TrimRight(pc.text, "\n"), "\n"),
			})
		}
	}
	return chunks
}

// chunkID derives a stable UUID (v5 style, SHA-1 namespaced) for a chunk.
// Qdrant point ids must be UUIDs; determinism gives idempotent upserts.
func chunkID(filePath, objectName string, index int) string {
	name := fmt.Sprintf("%s|%s|%d", filePath, objectName, index)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

type section struct {
	text       string
	objectType string
	objectName string
	startLine  int
}

type piece struct {
	text       string
	lineOffset int
}

// split enforces the size cap on one section, overlapping adjacent pieces.
func (c *Chunker) split(sectionText string) []piece {
	if len(sectionText) <= c.chunkSize {
		if strings.TrimSpace(sectionText) == "" {
			return nil
		}
		return []piece{{text: sectionText}}
	}

	var pieces []piece
	var current strings.Builder
	startLine := 0
	lineNo := 0

	for _, line := range strings.SplitAfter(sectionText, "\n") {
		if current.Len() > 0 && current.Len()+len(line) > c.chunkSize {
			full := current.String()
			pieces = append(pieces, piece{text: full, lineOffset: startLine})
			current.Reset()
			startLine = lineNo

			// carry overlap into the next piece, on a line boundary
			if c.overlap > 0 && len(full) > c.overlap {
				tail := full[len(full)-c.overlap:]
				if idx := strings.IndexByte(tail, '\n'); idx >= 0 && idx+1 < len(tail) {
					tail = tail[idx+1:]
				}
				current.WriteString(tail)
				startLine = lineNo - strings.Count(tail, "\n")
			}
		}
		current.WriteString(line)
		lineNo++
	}
	if strings.TrimSpace(current.String()) != "" {
		pieces = append(pieces, piece{text: current.String(), lineOffset: startLine})
	}

	return pieces
}

// sqlSections cuts on statement boundaries, naming chunks after the object a
// statement defines.
func sqlSections(content string) []section {
	var sections []section
	for i, st := range plugin.SQLStatements(content) {
		objType, objName := st.ObjectType, st.ObjectName
		if objName == "" {
			objType = "statement"
			objName = fmt.Sprintf("statement_%d", i)
		}
		sections = append(sections, section{
			text:       st.Text,
			objectType: objType,
			objectName: objName,
			startLine:  st.StartLine,
		})
	}
	return sections
}

func isSQLPath(filePath string) bool {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".sql", ".ddl", ".proc":
		return true
	}
	return false
}

// blockSections splits on blank-line boundaries, the best structural hint
// available without a parser.
func blockSections(content string) []section {
	var sections []section
	var current strings.Builder
	startLine := 1

	flush := func() {
		text := current.String()
		current.Reset()
		if strings.TrimSpace(text) == "" {
			return
		}
		sections = append(sections, section{
			text:       text,
			objectType: "block",
			objectName: fmt.Sprintf("block_%d", len(sections)),
			startLine:  startLine,
		})
	}

	line := 1
	for _, l := range strings.SplitAfter(content, "\n") {
		if strings.TrimSpace(l) == "" {
			if current.Len() > 0 {
				flush()
			}
		} else {
			if current.Len() == 0 {
				startLine = line
			}
			current.WriteString(l)
		}
		line++
	}
	flush()
	return sections
}
