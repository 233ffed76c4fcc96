// Package cli 命令行入口：解析命令，用dig装配配置、指标与数据库后执行
package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"

	jerrors "github.com/juju/errors"
	"go.uber.org/dig"

	"github.com/zhukovaskychina/xmysql-storage/logger"
	"github.com/zhukovaskychina/xmysql-storage/server/conf"
	"github.com/zhukovaskychina/xmysql-storage/server/innodb/manager"
	"github.com/zhukovaskychina/xmysql-storage/server/metrics"
)

var ErrUsage = jerrors.New("usage")

// Command 一个子命令
type Command struct {
	Name  string
	Usage string
	// MinArgs 最少参数个数
	MinArgs int
	// Raw 为true时不打开数据库，直接拿配置执行
	Raw bool
	Run func(env *Env, args []string) error
}

// Env 命令执行环境
type Env struct {
	Cfg *conf.Cfg
	DB  *manager.Database
	Out io.Writer
}

var commands = map[string]*Command{}

func register(c *Command) {
	commands[c.Name] = c
}

// Usage 全部命令的用法
func Usage() string {
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, n := range names {
		fmt.Fprintf(&b, "  %-14s %s\n", n, commands[n].Usage)
	}
	return b.String()
}

// newContainer 注册配置、指标与数据库的构造函数
func newContainer(args *conf.CommandLineArgs) (*dig.Container, error) {
	c := dig.New()
	constructors := []interface{}{
		func() *conf.CommandLineArgs { return args },
		func(a *conf.CommandLineArgs) (*conf.Cfg, error) { return conf.NewCfg().Load(a) },
		metrics.New,
		manager.OpenDatabase,
	}
	for _, ctor := range constructors {
		if err := c.Provide(ctor); err != nil {
			return nil, jerrors.Trace(err)
		}
	}
	return c, nil
}

// Run 执行一条命令，数据库在命令结束时关闭
func Run(args *conf.CommandLineArgs, argv []string, out io.Writer) error {
	if len(argv) == 0 {
		return jerrors.Annotatef(ErrUsage, "no command given\n%s", Usage())
	}
	cmd, ok := commands[argv[0]]
	if !ok {
		return jerrors.Annotatef(ErrUsage, "unknown command %q\n%s", argv[0], Usage())
	}
	rest := argv[1:]
	if len(rest) < cmd.MinArgs {
		return jerrors.Annotatef(ErrUsage, "%s %s", cmd.Name, cmd.Usage)
	}
	container, err := newContainer(args)
	if err != nil {
		return err
	}
	if err := container.Invoke(func(cfg *conf.Cfg) error {
		return logger.InitLogger(logger.LogConfig{
			ErrorLogPath: cfg.LogError,
			InfoLogPath:  cfg.LogInfos,
			LogLevel:     cfg.LogLevel,
		})
	}); err != nil {
		return jerrors.Trace(dig.RootCause(err))
	}

	if cmd.Raw {
		err = container.Invoke(func(cfg *conf.Cfg) error {
			return cmd.Run(&Env{Cfg: cfg, Out: out}, rest)
		})
		if err != nil {
			return jerrors.Annotate(dig.RootCause(err), cmd.Name)
		}
		return nil
	}
	err = container.Invoke(func(cfg *conf.Cfg, db *manager.Database) (err error) {
		defer func() {
			if cerr := db.Close(); err == nil {
				err = cerr
			}
		}()
		return cmd.Run(&Env{Cfg: cfg, DB: db, Out: out}, rest)
	})
	if err != nil {
		return jerrors.Annotate(dig.RootCause(err), cmd.Name)
	}
	return nil
}
