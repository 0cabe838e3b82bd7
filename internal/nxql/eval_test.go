package nxql

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecm/internal/model"
	"ecm/internal/security"
)

type typeTree map[string]string

func (t typeTree) IsSubtype(typeName, ancestor string) bool {
	if ancestor == "Document" {
		return true
	}
	for n := typeName; n != ""; n = t[n] {
		if n == ancestor {
			return true
		}
	}
	return false
}

func sampleDoc(t *testing.T) *model.Document {
	t.Helper()
	doc, err := model.NewDocument("/ws/folder", "report", "File")
	require.NoError(t, err)
	doc.ID = "doc-1"
	doc.ParentID = "folder-1"
	doc.Facets = []string{"Versionable", "Commentable"}
	doc.LifeCycleState = "project"
	doc.Fulltext = "Quarterly revenue figures"
	doc.ACP = security.NewACP()
	doc.ACP.AddACE(security.LocalACL, security.NewACE("bob", security.Read, true))
	require.NoError(t, doc.SetPropertyValue("dc:title", "Annual Report"))
	require.NoError(t, doc.SetPropertyValue("dc:subjects", []string{"finance", "2024"}))
	require.NoError(t, doc.SetPropertyValue("dc:created", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, doc.SetPropertyValue("uid:major_version", int64(2)))
	require.NoError(t, doc.SetPropertyValue("files:files", []any{
		map[string]any{"file": model.NewBlob([]byte("x"), "a.pdf", "application/pdf")},
		map[string]any{"file": model.NewBlob([]byte("y"), "b.txt", "text/plain")},
	}))
	return doc
}

func TestMatch(t *testing.T) {
	doc := sampleDoc(t)
	vals := DocumentValues(doc, "root-id", "ws-id", "folder-1")
	types := typeTree{"File": "", "Picture": "File"}

	tests := []struct {
		where string
		want  bool
	}{
		{"ecm:uuid = 'doc-1'", true},
		{"ecm:name = 'report' AND ecm:parentId = 'folder-1'", true},
		{"ecm:primaryType = 'Note'", false},
		{"ecm:mixinType = 'Versionable'", true},
		{"ecm:mixinType <> 'Folderish'", true},
		{"ecm:mixinType <> 'Commentable'", false},
		{"ecm:isVersion = 0", true},
		{"ecm:isProxy = 1", false},
		{"ecm:isCheckedIn = FALSE", true},
		{"ecm:currentLifeCycleState IN ('project', 'approved')", true},
		{"ecm:currentLifeCycleState NOT IN ('deleted')", true},
		{"ecm:ancestorId = 'ws-id'", true},
		{"ecm:path STARTSWITH '/ws'", true},
		{"ecm:path STARTSWITH '/ws/folder/report'", false},
		{"ecm:path STARTSWITH '/other'", false},
		{"dc:title = 'Annual Report'", true},
		{"dc:title LIKE 'Annual%'", true},
		{"dc:title LIKE 'annual%'", false},
		{"dc:title ILIKE 'annual%'", true},
		{"dc:title NOT LIKE '%Report'", false},
		{"dc:title LIKE 'Annual_Report'", true},
		{"dc:subjects = 'finance'", true},
		{"dc:subjects/* = '2024'", true},
		{"dc:subjects/1 = 'finance'", false},
		{"dc:subjects <> 'finance'", false},
		{"dc:description IS NULL", true},
		{"dc:title IS NOT NULL", true},
		{"dc:created > DATE '2024-04-30'", true},
		{"dc:created BETWEEN DATE '2024-01-01' AND DATE '2024-12-31'", true},
		{"dc:created NOT BETWEEN DATE '2024-01-01' AND DATE '2024-12-31'", false},
		{"dc:created >= '2024-05-01'", true},
		{"uid:major_version >= 2 AND uid:major_version < 2.5", true},
		{"files:files/*/file/name = 'b.txt'", true},
		{"files:files/0/file/mime-type = 'text/plain'", false},
		{"files:files/*/file/length = 1", true},
		{"ecm:fulltext = 'quarterly REVENUE'", true},
		{"ecm:fulltext = 'annual'", true},
		{"ecm:fulltext = 'revenue -quarterly'", false},
		{"ecm:fulltext = 'quart*'", true},
		{"ecm:fulltext = 'missing'", false},
		{"ecm:acl/*/principal = 'bob'", true},
		{"ecm:acl/*/grant = TRUE", true},
		{"NOT (ecm:uuid = 'doc-1' OR ecm:uuid = 'x')", false},
	}
	for _, tt := range tests {
		t.Run(tt.where, func(t *testing.T) {
			q, err := Parse("SELECT * FROM Document WHERE " + tt.where)
			require.NoError(t, err)
			got, err := Match(q, vals, types)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatch_Types(t *testing.T) {
	doc := sampleDoc(t)
	types := typeTree{"File": "", "Picture": "File"}

	match := func(nxql string, tc TypeChecker) bool {
		ok, err := Match(MustParse(nxql), DocumentValues(doc), tc)
		require.NoError(t, err)
		return ok
	}
	assert.True(t, match("SELECT * FROM File", types))
	assert.True(t, match("SELECT * FROM Document", nil))
	assert.False(t, match("SELECT * FROM Note, Picture", types))

	doc.Type = "Picture"
	assert.True(t, match("SELECT * FROM File", types))
	assert.False(t, match("SELECT * FROM File", nil))
}

func TestMatch_UnsupportedFulltextOperator(t *testing.T) {
	_, err := Match(MustParse("SELECT * FROM Document WHERE ecm:fulltext > 'a'"), DocumentValues(sampleDoc(t)), nil)
	assert.Error(t, err)
}

func TestSortDocuments(t *testing.T) {
	mk := func(name, title string, major int64) *model.Document {
		d, err := model.NewDocument("/", name, "File")
		require.NoError(t, err)
		if title != "" {
			require.NoError(t, d.SetPropertyValue("dc:title", title))
		}
		require.NoError(t, d.SetPropertyValue("uid:major_version", major))
		return d
	}
	docs := []*model.Document{mk("c", "beta", 1), mk("a", "alpha", 2), mk("b", "", 1), mk("d", "alpha", 1)}

	SortDocuments(docs, []OrderBy{{Field: "dc:title"}, {Field: "uid:major_version", Desc: true}})
	var names []string
	for _, d := range docs {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"b", "a", "d", "c"}, names)

	SortDocuments(docs, []OrderBy{{Field: ECMName, Desc: true}})
	assert.Equal(t, "d", docs[0].Name)
}
