package cli

import (
	"fmt"
	"strconv"
	"strings"

	jerrors "github.com/juju/errors"

	"github.com/zhukovaskychina/xmysql-storage/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/manager"
)

func init() {
	register(&Command{Name: "init", Usage: "create the database file if it does not exist", Run: runInit})
	register(&Command{Name: "stat", Usage: "print header, segments, tables and indexes", Run: runStat})
	register(&Command{Name: "create-table", Usage: "<table> <column:type[:width]>...", MinArgs: 2, Run: runCreateTable})
	register(&Command{Name: "drop-table", Usage: "<table>", MinArgs: 1, Run: runDropTable})
	register(&Command{Name: "insert", Usage: "<table> <value>...", MinArgs: 2, Run: runInsert})
	register(&Command{Name: "delete", Usage: "<table> <block,offset>", MinArgs: 2, Run: runDelete})
	register(&Command{Name: "scan", Usage: "<table>", MinArgs: 1, Run: runScan})
	register(&Command{Name: "create-index", Usage: "<index> <table> <btree|hash|bitmap> <column[,column]> [unique]", MinArgs: 4, Run: runCreateIndex})
	register(&Command{Name: "drop-index", Usage: "<index>", MinArgs: 1, Run: runDropIndex})
	register(&Command{Name: "search", Usage: "<index> <value>...", MinArgs: 2, Run: runSearch})
	register(&Command{Name: "check", Usage: "verify every index structure", Run: runCheck})
	register(&Command{Name: "replay", Usage: "apply the redo log to the data file", Raw: true, Run: runReplay})
}

func runInit(env *Env, _ []string) error {
	stats, err := env.DB.Stats()
	if err != nil {
		return err
	}
	fmt.Fprintf(env.Out, "database %s at %s\n", stats.Header.DatabaseID, env.Cfg.DataFilePath())
	return nil
}

func runStat(env *Env, _ []string) error {
	s, err := env.DB.Stats()
	if err != nil {
		return err
	}
	h := s.Header
	fmt.Fprintf(env.Out, "id:             %s\n", h.DatabaseID)
	fmt.Fprintf(env.Out, "block size:     %d\n", h.BlockSize)
	fmt.Fprintf(env.Out, "directory size: %d\n", h.DirectorySize)
	fmt.Fprintf(env.Out, "node order:     %d\n", h.NodeOrder)
	fmt.Fprintf(env.Out, "blocks:         %d (%d free)\n", h.HighWater, s.FreeBlocks)
	fmt.Fprintf(env.Out, "buffer pool:    %d hits, %d misses, %.2f hit ratio\n", s.Buffer.Hits, s.Buffer.Misses, s.Buffer.HitRatio())
	fmt.Fprintf(env.Out, "segments:       %s\n", strings.Join(s.Segments, " "))
	for _, t := range s.Tables {
		fmt.Fprintf(env.Out, "table %s\n", t)
	}
	for _, d := range s.Indexes {
		unique := ""
		if d.Unique {
			unique = " unique"
		}
		fmt.Fprintf(env.Out, "index %s on %s(%s) %v%s anchor %d\n",
			d.Name, d.Table, strings.Join(d.Attributes, ","), d.Kind, unique, d.Anchor)
	}
	return nil
}

// parseColumn name:type[:width]
func parseColumn(def string) (basic.Attribute, error) {
	parts := strings.Split(def, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return basic.Attribute{}, jerrors.NotValidf("column %q", def)
	}
	typ, err := basic.ParseValueType(parts[1])
	if err != nil {
		return basic.Attribute{}, err
	}
	a := basic.Attribute{Name: parts[0], Type: typ}
	if len(parts) == 3 {
		if a.Width, err = strconv.Atoi(parts[2]); err != nil || a.Width < 0 {
			return basic.Attribute{}, jerrors.NotValidf("column %q width", def)
		}
	}
	return a, nil
}

func runCreateTable(env *Env, args []string) error {
	schema := make(basic.Schema, 0, len(args)-1)
	for _, def := range args[1:] {
		a, err := parseColumn(def)
		if err != nil {
			return err
		}
		schema = append(schema, a)
	}
	if _, err := env.DB.CreateTable(args[0], schema); err != nil {
		return err
	}
	fmt.Fprintf(env.Out, "table %s created\n", args[0])
	return nil
}

func runDropTable(env *Env, args []string) error {
	if err := env.DB.DropTable(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(env.Out, "table %s dropped\n", args[0])
	return nil
}

// parseValues 按字段类型逐个解析
func parseValues(types []basic.ValueType, raw []string) ([]basic.Value, error) {
	if len(raw) != len(types) {
		return nil, jerrors.NotValidf("%d values for %d columns", len(raw), len(types))
	}
	out := make([]basic.Value, len(raw))
	for i, s := range raw {
		v, err := basic.ParseValue(types[i], s)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func schemaTypes(s basic.Schema) []basic.ValueType {
	types := make([]basic.ValueType, len(s))
	for i, a := range s {
		types[i] = a.Type
	}
	return types
}

func runInsert(env *Env, args []string) error {
	t, err := env.DB.Table(args[0])
	if err != nil {
		return err
	}
	values, err := parseValues(schemaTypes(t.Schema), args[1:])
	if err != nil {
		return err
	}
	addr, err := env.DB.InsertRow(t.Name, values)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.Out, "%d,%d\n", addr.Block, addr.Offset)
	return nil
}

// parseAddress block,offset
func parseAddress(s string) (basic.RowAddress, error) {
	parts := strings.Split(strings.Trim(s, "()"), ",")
	if len(parts) != 2 {
		return basic.RowAddress{}, jerrors.NotValidf("row address %q", s)
	}
	block, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 32)
	if err != nil {
		return basic.RowAddress{}, jerrors.NotValidf("row address %q", s)
	}
	offset, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 16)
	if err != nil {
		return basic.RowAddress{}, jerrors.NotValidf("row address %q", s)
	}
	return basic.RowAddress{Block: uint32(block), Offset: uint16(offset)}, nil
}

func runDelete(env *Env, args []string) error {
	addr, err := parseAddress(args[1])
	if err != nil {
		return err
	}
	if err := env.DB.DeleteRow(args[0], addr); err != nil {
		return err
	}
	fmt.Fprintf(env.Out, "deleted %s\n", addr)
	return nil
}

func printRow(env *Env, addr basic.RowAddress, row basic.Row) {
	parts := make([]string, len(row))
	for i, v := range row {
		parts[i] = v.String()
	}
	fmt.Fprintf(env.Out, "%d,%d\t%s\n", addr.Block, addr.Offset, strings.Join(parts, "\t"))
}

func runScan(env *Env, args []string) error {
	return env.DB.ScanTable(args[0], func(addr basic.RowAddress, row basic.Row) bool {
		printRow(env, addr, row)
		return true
	})
}

func runCreateIndex(env *Env, args []string) error {
	kind, err := basic.ParseIndexKind(args[2])
	if err != nil {
		return err
	}
	unique := false
	if len(args) > 4 {
		if !strings.EqualFold(args[4], "unique") {
			return jerrors.NotValidf("option %q", args[4])
		}
		unique = true
	}
	d, err := env.DB.CreateIndex(args[0], args[1], strings.Split(args[3], ","), kind, unique)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.Out, "index %s created, anchor %d\n", d.Name, d.Anchor)
	return nil
}

func runDropIndex(env *Env, args []string) error {
	if err := env.DB.DropIndex(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(env.Out, "index %s dropped\n", args[0])
	return nil
}

func runSearch(env *Env, args []string) error {
	d, err := env.DB.LookupIndex(args[0])
	if err != nil {
		return err
	}
	values, err := parseValues(d.KeyTypes, args[1:])
	if err != nil {
		return err
	}
	addrs, err := env.DB.SearchIndex(d.Name, basic.Key(values))
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		row, err := env.DB.ReadRow(d.Table, addr)
		if err != nil {
			return err
		}
		printRow(env, addr, row)
	}
	return nil
}

func runCheck(env *Env, _ []string) error {
	if err := env.DB.CheckIndexes(); err != nil {
		return err
	}
	fmt.Fprintln(env.Out, "ok")
	return nil
}

func runReplay(env *Env, _ []string) error {
	if !env.Cfg.RedoEnabled {
		return jerrors.NotSupportedf("replay with redo disabled")
	}
	stats, err := manager.ReplayRedo(env.Cfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.Out, "%d records, %d redone, %d rolled back\n", stats.Records, stats.Redone, stats.RolledBack)
	return nil
}
