package tools

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/council-works/council/pkg/kb"
)

const docxFixture = `<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:r><w:t>Quarterly report</w:t></w:r></w:p>
    <w:p><w:r><w:t>Revenue grew in </w:t></w:r><w:r><w:t>Q3</w:t></w:r></w:p>
    <w:p><w:r><w:t>   </w:t></w:r></w:p>
    <w:tbl>
      <w:tr>
        <w:tc><w:p><w:r><w:t>Region</w:t></w:r></w:p></w:tc>
        <w:tc><w:p><w:r><w:t>Total</w:t></w:r></w:p></w:tc>
      </w:tr>
      <w:tr>
        <w:tc><w:p><w:r><w:t>EMEA
line2</w:t></w:r></w:p></w:tc>
        <w:tc><w:p><w:r><w:t>42</w:t></w:r></w:p></w:tc>
      </w:tr>
    </w:tbl>
  </w:body>
</w:document>`

func TestExtractDocxXML(t *testing.T) {
	text, err := extractDocxXML(docxFixture, defaultOfficeMaxChars)
	require.NoError(t, err)

	lines := strings.Split(text, "\n")
	assert.Equal(t, "Quarterly report", lines[0])
	assert.Equal(t, "Revenue grew in Q3", lines[1], "runs within a paragraph are joined")
	assert.Contains(t, text, "[Table 1]")
	assert.Contains(t, text, "Region\tTotal")
	assert.Contains(t, text, "EMEA line2\t42", "newlines inside cells collapse to spaces")
	assert.NotContains(t, text, "   \n", "blank paragraphs are dropped")
}

func TestExtractDocxXMLMaxChars(t *testing.T) {
	text, err := extractDocxXML(docxFixture, 20)
	require.NoError(t, err)
	assert.LessOrEqual(t, len([]rune(text)), 20)
	assert.Contains(t, text, "Quarterly report")
}

func writeTestXlsx(t *testing.T) string {
	t.Helper()
	f := excelize.NewFile()
	require.NoError(t, f.SetSheetName("Sheet1", "Data"))
	require.NoError(t, f.SetCellValue("Data", "A1", "name"))
	require.NoError(t, f.SetCellValue("Data", "B1", "count"))
	require.NoError(t, f.SetCellValue("Data", "A2", "alpha\tbeta"))
	require.NoError(t, f.SetCellValue("Data", "B2", 42))
	require.NoError(t, f.SetCellValue("Data", "A3", true))

	path := filepath.Join(t.TempDir(), "report.xlsx")
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())
	return path
}

func TestExtractXlsx(t *testing.T) {
	path := writeTestXlsx(t)
	text, err := ExtractOfficeText(path, 0, 0)
	require.NoError(t, err)

	assert.Contains(t, text, "[Sheet] Data")
	assert.Contains(t, text, "name\tcount")
	assert.Contains(t, text, "alpha beta\t42", "tabs inside cells collapse to spaces")
	assert.Contains(t, text, "TRUE")
}

func TestExtractXlsxMaxCells(t *testing.T) {
	path := writeTestXlsx(t)
	text, err := ExtractOfficeText(path, 0, 2)
	require.NoError(t, err)
	assert.Contains(t, text, "[... truncated: max_cells reached ...]")
}

func TestExtractOfficeTextUnsupported(t *testing.T) {
	_, err := ExtractOfficeText("notes.txt", 0, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported office extension: .txt")
}

func TestOfficeIngestTool(t *testing.T) {
	path := writeTestXlsx(t)
	store := newTestKB(t)
	convs := &stubConversations{}
	handler := officeIngestTool(&Context{KB: store, Conversations: convs, Settings: stubSettings{}})

	ctx := context.Background()
	out, err := handler(ctx, testJob("office_ingest", "conv-1", map[string]any{
		"path": path, "doc_id": "doc-office",
	}), noProgress)
	require.NoError(t, err)

	assert.Equal(t, "office_ingest", out["type"])
	assert.Contains(t, out["summary"], "report.xlsx -> KB[doc-office]")
	assert.Equal(t, []string{"doc-office"}, convs.appended)

	doc, err := store.GetDocument(ctx, "doc-office")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "report", doc.Title, "title defaults to the file stem")
	assert.Equal(t, "file:"+path, doc.Source)
	assert.Equal(t, []string{"upload"}, doc.Categories)

	// re-ingesting the same doc_id replaces instead of duplicating
	_, err = handler(ctx, testJob("office_ingest", "conv-1", map[string]any{
		"path": path, "doc_id": "doc-office",
	}), noProgress)
	require.NoError(t, err)
	docs, err := store.ListDocuments(ctx)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestOfficeIngestToolErrors(t *testing.T) {
	handler := officeIngestTool(&Context{KB: newTestKB(t), Settings: stubSettings{}})
	ctx := context.Background()

	out, err := handler(ctx, testJob("office_ingest", "", nil), noProgress)
	require.NoError(t, err)
	assert.Equal(t, "path required", out["error"])

	out, err = handler(ctx, testJob("office_ingest", "", map[string]any{"path": "/nonexistent/file.docx"}), noProgress)
	require.NoError(t, err)
	assert.Contains(t, out["error"], "file not found")
}
