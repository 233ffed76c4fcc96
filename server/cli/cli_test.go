package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	jerrors "github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-storage/server/conf"
)

func writeConfig(t *testing.T, redo bool) *conf.CommandLineArgs {
	dir := t.TempDir()
	ini := fmt.Sprintf(`[storage]
data_dir       = %s
block_size     = 512
node_order     = 4
directory_size = 4

[logs]
log_error = %s
log_infos = %s
log_level = warn

[redo]
enabled     = %v
compression = lz4
`, filepath.Join(dir, "data"), filepath.Join(dir, "logs", "error.log"), filepath.Join(dir, "logs", "info.log"), redo)
	path := filepath.Join(dir, "my.ini")
	require.NoError(t, os.WriteFile(path, []byte(ini), 0644))
	return &conf.CommandLineArgs{ConfigPath: path}
}

func run(t *testing.T, args *conf.CommandLineArgs, argv ...string) (string, error) {
	var out bytes.Buffer
	err := Run(args, argv, &out)
	return out.String(), err
}

func mustRun(t *testing.T, args *conf.CommandLineArgs, argv ...string) string {
	out, err := run(t, args, argv...)
	require.NoError(t, err, strings.Join(argv, " "))
	return out
}

func TestCommandsEndToEnd(t *testing.T) {
	args := writeConfig(t, true)
	assert.Contains(t, mustRun(t, args, "init"), "database ")
	mustRun(t, args, "create-table", "people", "id:int", "name:varchar", "dept:char:8")
	for i, name := range []string{"ann", "bob", "cid", "dee"} {
		out := mustRun(t, args, "insert", "people", fmt.Sprint(i), name, []string{"eng", "ops"}[i%2])
		assert.Regexp(t, `^\d+,\d+\n$`, out)
	}
	mustRun(t, args, "create-index", "by_name", "people", "btree", "name", "unique")
	mustRun(t, args, "create-index", "by_dept", "people", "bitmap", "dept")
	mustRun(t, args, "create-index", "by_id", "people", "hash", "id")

	out := mustRun(t, args, "search", "by_name", "bob")
	assert.Contains(t, out, `1	"bob"	"ops"`)
	out = mustRun(t, args, "search", "by_dept", "eng")
	assert.Equal(t, 2, strings.Count(out, "\n"))

	_, err := run(t, args, "insert", "people", "9", "bob", "hr")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate key")

	out = mustRun(t, args, "search", "by_id", "2")
	addr := strings.SplitN(out, "\t", 2)[0]
	mustRun(t, args, "delete", "people", addr)
	assert.Empty(t, mustRun(t, args, "search", "by_id", "2"))
	assert.Equal(t, 3, strings.Count(mustRun(t, args, "scan", "people"), "\n"))
	assert.Equal(t, "ok\n", mustRun(t, args, "check"))

	stat := mustRun(t, args, "stat")
	assert.Contains(t, stat, "block size:     512")
	assert.Contains(t, stat, "index by_name on people(name) btree unique")
	assert.Contains(t, stat, "idx_by_dept")

	out = mustRun(t, args, "replay")
	assert.Contains(t, out, "0 records")

	mustRun(t, args, "drop-index", "by_id")
	mustRun(t, args, "drop-table", "people")
	assert.NotContains(t, mustRun(t, args, "stat"), "table people")
}

func TestCommandErrors(t *testing.T) {
	args := writeConfig(t, false)

	_, err := run(t, args)
	assert.Equal(t, ErrUsage, jerrors.Cause(err))
	_, err = run(t, args, "frobnicate")
	assert.Equal(t, ErrUsage, jerrors.Cause(err))
	_, err = run(t, args, "insert", "people")
	assert.Equal(t, ErrUsage, jerrors.Cause(err))

	_, err = run(t, args, "create-table", "t", "id")
	assert.True(t, jerrors.IsNotValid(jerrors.Cause(err)))
	_, err = run(t, args, "create-table", "t", "id:blob")
	assert.Contains(t, err.Error(), "unsupported data type")
	_, err = run(t, args, "delete", "t", "nope")
	assert.True(t, jerrors.IsNotValid(jerrors.Cause(err)))
	_, err = run(t, args, "replay")
	assert.True(t, jerrors.IsNotSupported(jerrors.Cause(err)))
	_, err = run(t, args, "search", "missing", "1")
	assert.Contains(t, err.Error(), "not found")

	mustRun(t, args, "create-table", "t", "id:int")
	_, err = run(t, args, "insert", "t", "x")
	assert.Contains(t, err.Error(), "not an int")
	_, err = run(t, args, "create-index", "i", "t", "btree", "id", "sorted")
	assert.True(t, jerrors.IsNotValid(jerrors.Cause(err)))
}

func TestParseAddress(t *testing.T) {
	addr, err := parseAddress("(12, 3)")
	require.NoError(t, err)
	assert.Equal(t, uint32(12), addr.Block)
	assert.Equal(t, uint16(3), addr.Offset)
	_, err = parseAddress("12,70000")
	assert.Error(t, err)
}

func TestUsageListsCommands(t *testing.T) {
	u := Usage()
	for _, name := range []string{"init", "create-index", "search", "replay"} {
		assert.Contains(t, u, name)
	}
}
