package tools

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"

	"github.com/council-works/council/pkg/jobs"
	"github.com/council-works/council/pkg/kb"
)

const (
	defaultOfficeMaxChars = 2_000_000
	defaultOfficeMaxCells = 50_000
)

// ExtractOfficeText pulls plain text out of a .docx or .xlsx file.
// Tables and sheets are rendered as tab-separated rows; output is
// bounded by maxChars (and maxCells for spreadsheets) with explicit
// truncation markers.
func ExtractOfficeText(path string, maxChars, maxCells int) (string, error) {
	if maxChars <= 0 {
		maxChars = defaultOfficeMaxChars
	}
	if maxCells <= 0 {
		maxCells = defaultOfficeMaxCells
	}
	switch ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")); ext {
	case "docx":
		return extractDocx(path, maxChars)
	case "xlsx":
		return extractXlsx(path, maxChars, maxCells)
	default:
		return "", fmt.Errorf("unsupported office extension: .%s", ext)
	}
}

func extractDocx(path string, maxChars int) (string, error) {
	doc, err := docx.ReadDocxFile(path)
	if err != nil {
		return "", fmt.Errorf("read docx: %w", err)
	}
	defer doc.Close()
	return extractDocxXML(doc.Editable().GetContent(), maxChars)
}

// extractDocxXML walks the WordprocessingML body: body-level paragraphs
// first, then each table as a [Table N] block of TSV rows.
func extractDocxXML(content string, maxChars int) (string, error) {
	var parts []string
	total := 0
	push := func(s string) bool {
		parts = append(parts, s)
		total += len([]rune(s))
		return total < maxChars
	}

	dec := xml.NewDecoder(strings.NewReader(content))
	var para strings.Builder
	tblDepth := 0
	inText := false
paragraphs:
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse docx xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "tbl":
				tblDepth++
			case "p":
				if tblDepth == 0 {
					para.Reset()
				}
			case "t":
				inText = true
			}
		case xml.CharData:
			if inText && tblDepth == 0 {
				para.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "tbl":
				tblDepth--
			case "p":
				if tblDepth == 0 {
					if text := strings.TrimSpace(para.String()); text != "" {
						if !push(text) {
							break paragraphs
						}
					}
				}
			case "t":
				inText = false
			}
		}
	}

	if total < maxChars {
		if err := appendDocxTables(content, &parts, &total, maxChars); err != nil {
			return "", err
		}
	}

	text := strings.TrimSpace(strings.Join(parts, "\n"))
	return truncateRunesTo(text, maxChars), nil
}

func appendDocxTables(content string, parts *[]string, total *int, maxChars int) error {
	dec := xml.NewDecoder(strings.NewReader(content))
	var cell strings.Builder
	var cells []string
	tblDepth := 0
	tableNo := 0
	inCell := false
	inText := false

	push := func(s string) bool {
		*parts = append(*parts, s)
		*total += len([]rune(s))
		return *total < maxChars
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("parse docx xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "tbl":
				tblDepth++
				if tblDepth == 1 {
					tableNo++
					if !push(fmt.Sprintf("\n[Table %d]", tableNo)) {
						return nil
					}
				}
			case "tr":
				if tblDepth == 1 {
					cells = cells[:0]
				}
			case "tc":
				if tblDepth == 1 {
					cell.Reset()
					inCell = true
				}
			case "t":
				inText = true
			}
		case xml.CharData:
			if inCell && inText {
				cell.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "tbl":
				tblDepth--
			case "tc":
				if tblDepth == 1 && inCell {
					cells = append(cells, normCellText(cell.String()))
					inCell = false
				}
			case "tr":
				if tblDepth == 1 {
					if line := strings.TrimSpace(strings.Join(cells, "\t")); line != "" {
						if !push(line) {
							return nil
						}
					}
				}
			case "t":
				inText = false
			}
		}
	}
}

func extractXlsx(path string, maxChars, maxCells int) (string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", fmt.Errorf("read xlsx: %w", err)
	}
	defer f.Close()

	var parts []string
	total := 0
	usedCells := 0
	push := func(s string) {
		parts = append(parts, s)
		total += len([]rune(s))
	}

	for _, sheet := range f.GetSheetList() {
		push("\n[Sheet] " + sheet)
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("read sheet %s: %w", sheet, err)
		}
		for _, row := range rows {
			if usedCells >= maxCells {
				push("[... truncated: max_cells reached ...]")
				break
			}
			values := make([]string, 0, len(row))
			for _, v := range row {
				usedCells++
				values = append(values, normCellText(v))
				if usedCells >= maxCells {
					break
				}
			}
			line := strings.TrimRight(strings.Join(values, "\t"), " \t")
			if strings.TrimSpace(line) != "" {
				push(line)
			}
			if total >= maxChars {
				push("[... truncated: max_chars reached ...]")
				break
			}
		}
		if usedCells >= maxCells || total >= maxChars {
			break
		}
	}

	text := strings.TrimSpace(strings.Join(parts, "\n"))
	return truncateRunesTo(text, maxChars), nil
}

// normCellText collapses newlines and tabs so TSV rows stay one line.
func normCellText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.ReplaceAll(s, "\t", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.TrimSpace(s)
}

// officeIngestTool extracts a local office document into the KB,
// binding the new document to the job's conversation and optionally
// indexing embeddings for it.
func officeIngestTool(c *Context) jobs.Handler {
	return func(ctx context.Context, job *jobs.Job, progress jobs.ProgressFunc) (map[string]any, error) {
		path := payloadString(job.Payload, "path")
		if path == "" {
			return toolError("path required"), nil
		}
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			return toolError("file not found: " + path), nil
		}

		maxChars := payloadInt(job.Payload, "max_chars", defaultOfficeMaxChars)
		maxCells := payloadInt(job.Payload, "max_cells", defaultOfficeMaxCells)
		base := filepath.Base(path)
		stem := strings.TrimSuffix(base, filepath.Ext(base))
		title := payloadString(job.Payload, "title")
		if title == "" {
			title = stem
		}
		if title == "" {
			title = base
		}
		source := payloadString(job.Payload, "source")
		if source == "" {
			source = "file:" + path
		}
		categories := payloadStrings(job.Payload, "categories")
		if len(categories) == 0 {
			categories = []string{"upload"}
		}
		agentIDs := payloadStrings(job.Payload, "agent_ids")
		writeKB := payloadBool(job.Payload, "write_kb", true)
		docID := payloadString(job.Payload, "doc_id")
		if docID == "" {
			docID = strings.ReplaceAll(uuid.New().String(), "-", "")
		}

		if err := progress(0.1); err != nil {
			return nil, err
		}
		text, err := ExtractOfficeText(path, maxChars, maxCells)
		if err != nil {
			return toolError(err.Error()), nil
		}
		if strings.TrimSpace(text) == "" {
			return toolError("no text extracted"), nil
		}

		if err := progress(0.55); err != nil {
			return nil, err
		}
		var kbResult *kb.AddResult
		if writeKB {
			// replace deterministically when the doc_id already exists
			_, _ = c.KB.DeleteDocument(ctx, docID)
			kbResult, err = c.KB.AddDocument(ctx, kb.Document{
				ID: docID, Title: title, Source: source, Text: text,
				Categories: categories, AgentIDs: agentIDs,
			})
			if err != nil {
				return toolError("kb add failed: " + err.Error()), nil
			}
		}

		if err := progress(0.8); err != nil {
			return nil, err
		}
		if writeKB && job.ConversationID != "" && c.Conversations != nil {
			_ = c.Conversations.AppendKBDocID(job.ConversationID, docID)
		}

		model := payloadString(job.Payload, "embedding_model")
		if model == "" && c.Settings != nil {
			model = c.Settings.KBEmbeddingModel()
		}
		var embeddings *kb.IndexResult
		if payloadBool(job.Payload, "index_embeddings", false) && model != "" && writeKB {
			pool := 2000
			if c.Settings != nil && c.Settings.KBSemanticPool() > 0 {
				pool = c.Settings.KBSemanticPool()
			}
			if pool*10 > 5000 {
				pool *= 10
			} else {
				pool = 5000
			}
			out, err := c.Retriever.IndexEmbeddings(ctx, model, kb.Scope{DocIDs: []string{docID}}, pool, nil)
			if err == nil {
				embeddings = out
			}
		}

		if err := progress(1.0); err != nil {
			return nil, err
		}
		result := map[string]any{
			"type":            "office_ingest",
			"summary":         fmt.Sprintf("Office 文档已解析：%s -> KB[%s]", base, docID),
			"doc_id":          docID,
			"title":           title,
			"source":          source,
			"chars":           len([]rune(text)),
			"conversation_id": job.ConversationID,
		}
		if kbResult != nil {
			result["kb"] = kbResult
		}
		if embeddings != nil {
			result["embeddings"] = embeddings
		}
		return result, nil
	}
}
