package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/text/encoding/simplifiedchinese"

	"med-deid/internal/config"
	"med-deid/internal/engine"
)

const record = "患者张三，男，45岁，于2025年10月1日入院。"

// isolate keeps config and term files out of the package directory.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DEID_TERMS_FILE", filepath.Join(dir, "terms.json"))
	t.Setenv("DEID_LOG_LEVEL", "error")
	return dir
}

// run executes the root command with args and returns stdout and stderr.
func run(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetArgs(args)
	root.SetIn(strings.NewReader(stdin))
	root.SetOut(&out)
	root.SetErr(&errOut)
	err := root.Execute()
	return out.String(), errOut.String(), err
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestVersion(t *testing.T) {
	out, _, err := run(t, "", "version")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "deid dev" {
		t.Errorf("got %q", out)
	}
}

func TestRedact_Stdin(t *testing.T) {
	isolate(t)
	out, errOut, err := run(t, record, "redact")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"张某", "40～50岁", "2025-06-23"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output, got %q", want, out)
		}
	}
	if strings.Contains(out, "张三") {
		t.Errorf("name leaked: %q", out)
	}
	if !strings.Contains(errOut, "replacements:") {
		t.Errorf("expected summary on stderr, got %q", errOut)
	}
}

func TestRedact_FilesToOutDir(t *testing.T) {
	dir := isolate(t)
	txt := filepath.Join(dir, "note.txt")
	csvPath := filepath.Join(dir, "labs.csv")
	writeFile(t, txt, record+"\n家属：张三")
	writeFile(t, csvPath, "字段,值\n姓名：张三,45岁\n")
	outDir := filepath.Join(dir, "out")

	out, _, err := run(t, "", "redact", "--summary=false", "--out", outDir, txt, csvPath)
	if err != nil {
		t.Fatal(err)
	}
	if out != "" {
		t.Errorf("nothing should go to stdout with --out, got %q", out)
	}

	note, err := os.ReadFile(filepath.Join(outDir, "note.txt"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(string(note), "\n")
	if len(lines) != 2 || lines[1] != "家属：张某" {
		t.Errorf("line structure or redaction lost: %q", note)
	}

	labs, err := os.ReadFile(filepath.Join(outDir, "labs.csv"))
	if err != nil {
		t.Fatal(err)
	}
	if string(labs) != "字段,值\n姓名：张某,40～50岁\n" {
		t.Errorf("csv: got %q", labs)
	}
}

func TestRedact_ValueReplacedOnEveryLine(t *testing.T) {
	dir := isolate(t)
	note := filepath.Join(dir, "note.txt")
	writeFile(t, note, "姓名：谢梓莹\n谢梓莹诉便秘。")

	out, _, err := run(t, "", "redact", "--summary=false", note)
	if err != nil {
		t.Fatal(err)
	}
	if out != "姓名：谢某\n谢某诉便秘。" {
		t.Errorf("got %q", out)
	}
}

func TestRedact_CategoryMask(t *testing.T) {
	isolate(t)
	out, _, err := run(t, "电话13812345678", "redact", "--strategy", "category", "--mode", "mask", "--summary=false")
	if err != nil {
		t.Fatal(err)
	}
	if out != "电话138****5678" {
		t.Errorf("got %q", out)
	}
}

func TestRedact_Disable(t *testing.T) {
	isolate(t)
	out, _, err := run(t, "45岁", "redact", "--disable", "age", "--summary=false")
	if err != nil {
		t.Fatal(err)
	}
	if out != "45岁" {
		t.Errorf("age should be kept, got %q", out)
	}
}

func TestRedact_Errors(t *testing.T) {
	dir := isolate(t)
	if _, _, err := run(t, "", "redact", filepath.Join(dir, "missing.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file: got %v", err)
	}
	if _, _, err := run(t, "", "redact", "--strategy", "neural"); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("bad strategy: got %v", err)
	}
	if _, _, err := run(t, "x", "redact", "--encoding", "latin1"); err == nil {
		t.Error("expected unsupported encoding error")
	}
}

func TestEntities(t *testing.T) {
	isolate(t)
	out, _, err := run(t, "姓名：张三，45岁", "entities")
	if err != nil {
		t.Fatal(err)
	}
	var found []struct {
		Text     string `json:"text"`
		Redacted string `json:"redacted"`
	}
	if err := json.Unmarshal([]byte(out), &found); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(found) != 2 || found[0].Text != "张三" || found[0].Redacted != "张某" {
		t.Errorf("got %+v", found)
	}

	out, _, err = run(t, "饮食可", "entities")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "[]" {
		t.Errorf("no entities should print [], got %q", out)
	}
}

func TestMapping_RoundTrip(t *testing.T) {
	dir := isolate(t)
	db := filepath.Join(dir, "map.db")

	out, _, err := run(t, record, "redact", "--summary=false", "--name-policy", "pseudonym", "--cache", db)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "NAME_ID_") {
		t.Fatalf("expected pseudonym, got %q", out)
	}

	exported := filepath.Join(dir, "mapping.json")
	if _, _, err := run(t, "", "mapping", "export", "--cache", db, exported); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(exported)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(m["张三"], "NAME_ID_") {
		t.Fatalf("mapping: got %v", m)
	}

	// A second installation picks up the same pseudonym.
	other := filepath.Join(dir, "other.db")
	out, _, err = run(t, "", "mapping", "import", "--cache", other, exported)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "imported") {
		t.Errorf("got %q", out)
	}
	again, _, err := run(t, "家属：张三", "redact", "--summary=false", "--name-policy", "pseudonym", "--cache", other)
	if err != nil {
		t.Fatal(err)
	}
	if again != "家属："+m["张三"] {
		t.Errorf("pseudonym not carried over: %q vs %q", again, m["张三"])
	}
}

func TestDecodeInput(t *testing.T) {
	gbk, err := simplifiedchinese.GBK.NewEncoder().String("患者张三")
	if err != nil {
		t.Fatal(err)
	}
	r, err := decodeInput(strings.NewReader(gbk), "gbk")
	if err != nil {
		t.Fatal(err)
	}
	got, _ := io.ReadAll(r)
	if string(got) != "患者张三" {
		t.Errorf("gbk: got %q", got)
	}

	r, err = decodeInput(strings.NewReader("\ufeff患者"), "gb18030")
	if err != nil {
		t.Fatal(err)
	}
	got, _ = io.ReadAll(r)
	if string(got) != "患者" {
		t.Errorf("BOM should select UTF-8 and be stripped, got %q", got)
	}
}

func TestNewBackend(t *testing.T) {
	b, err := newBackend(&config.Config{Backend: "rules"}, nil)
	if err != nil || b != nil {
		t.Errorf("rules: got %v, %v", b, err)
	}
	b, err = newBackend(&config.Config{Backend: "remote", RemoteURL: "http://127.0.0.1:1/redact"}, nil)
	if err != nil || b == nil || b.Name() != "remote" {
		t.Errorf("remote: got %v, %v", b, err)
	}
	if _, err := newBackend(&config.Config{Backend: "ollama"}, nil); !errors.Is(err, engine.ErrUnknownBackend) {
		t.Errorf("unknown: got %v", err)
	}
}

func TestPrintBanner_ContainsExpectedFields(t *testing.T) {
	var buf bytes.Buffer
	cfg := &config.Config{
		BindAddress: "127.0.0.1",
		APIPort:     8090,
		Strategy:    "category",
		Backend:     "rules",
		NamePolicy:  "pseudonym",
		ShiftDays:   -100,
		CachePath:   "/var/lib/deid/map.db",
		APIToken:    "x",
	}
	printBanner(&buf, cfg)
	out := buf.String()

	for _, want := range []string{"127.0.0.1:8090", "category", "pseudonym", "-100", "/var/lib/deid/map.db", "bearer token", "(embedded)"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in banner output, got:\n%s", want, out)
		}
	}
}

func TestPrintBanner_ZeroConfig(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("printBanner panicked: %v", r)
		}
	}()
	var buf bytes.Buffer
	printBanner(&buf, &config.Config{})
	if !strings.Contains(buf.String(), "(memory)") || !strings.Contains(buf.String(), "Auth            : off") {
		t.Errorf("got:\n%s", buf.String())
	}
}
