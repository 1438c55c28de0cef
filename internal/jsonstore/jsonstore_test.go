package jsonstore_test

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/madhatter5501/deepresearch/internal/jsonstore"
)

type doc struct {
	Name string `json:"name"`
	N    int    `json:"n"`
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	g := NewWithT(t)

	path := filepath.Join(t.TempDir(), "nested", "doc.json")
	g.Expect(jsonstore.Write(path, doc{Name: "alpha", N: 3}, nil)).To(Succeed())

	var got doc
	g.Expect(jsonstore.Read(path, &got, nil)).To(Succeed())
	g.Expect(got).To(Equal(doc{Name: "alpha", N: 3}))
}

func TestWriteLeavesNoTempFileBehind(t *testing.T) {
	g := NewWithT(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")
	g.Expect(jsonstore.Write(path, doc{Name: "beta"}, nil)).To(Succeed())

	_, err := os.Stat(path + ".tmp")
	g.Expect(os.IsNotExist(err)).To(BeTrue())
}

func TestCanonicalizeIsIndentedWithSingleTrailingNewline(t *testing.T) {
	g := NewWithT(t)

	out, err := jsonstore.Canonicalize(doc{Name: "gamma", N: 1})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(string(out)).To(Equal("{\n  \"name\": \"gamma\",\n  \"n\": 1\n}\n"))
}

func TestWriteRunsValidatorAgainstCanonicalForm(t *testing.T) {
	g := NewWithT(t)

	path := filepath.Join(t.TempDir(), "doc.json")
	rejectAll := func(map[string]any) []jsonstore.ValidationError {
		return []jsonstore.ValidationError{{Path: "$.name", Message: "must not be set"}}
	}

	err := jsonstore.Write(path, doc{Name: "delta"}, rejectAll)
	g.Expect(err).To(HaveOccurred())
	schemaErr, ok := err.(*jsonstore.SchemaError)
	g.Expect(ok).To(BeTrue())
	g.Expect(schemaErr.Violations).To(HaveLen(1))
	g.Expect(jsonstore.Exists(path)).To(BeFalse())
}

func TestReadRunsValidatorBeforeDecoding(t *testing.T) {
	g := NewWithT(t)

	path := filepath.Join(t.TempDir(), "doc.json")
	g.Expect(jsonstore.Write(path, doc{Name: "epsilon"}, nil)).To(Succeed())

	rejectAll := func(map[string]any) []jsonstore.ValidationError {
		return []jsonstore.ValidationError{{Path: "$.name", Message: "bad"}}
	}
	var got doc
	err := jsonstore.Read(path, &got, rejectAll)
	g.Expect(err).To(HaveOccurred())
	g.Expect(got).To(Equal(doc{}))
}

func TestExists(t *testing.T) {
	g := NewWithT(t)

	dir := t.TempDir()
	filePath := filepath.Join(dir, "present.json")
	g.Expect(jsonstore.Write(filePath, doc{Name: "zeta"}, nil)).To(Succeed())

	g.Expect(jsonstore.Exists(filePath)).To(BeTrue())
	g.Expect(jsonstore.Exists(filepath.Join(dir, "absent.json"))).To(BeFalse())
	g.Expect(jsonstore.Exists(dir)).To(BeFalse())
}
