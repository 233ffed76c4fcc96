package main

import (
	"flag"
	"fmt"
	"os"

	jerrors "github.com/juju/errors"

	"github.com/zhukovaskychina/xmysql-storage/server/cli"
	"github.com/zhukovaskychina/xmysql-storage/server/conf"
)

const help = `
******************************************************************************************
*xmysql-storage: 块存储与B树/散列/位图索引
*帮助:
*1. -- configPath   指定my.ini或.toml配置文件
*2. -- envFile      指定.env文件，XMYSQL_STORAGE_* 环境变量优先
*3. 命令:
%s******************************************************************************************
`

func main() {
	var configPath, envFile string
	flag.StringVar(&configPath, "configPath", "", "配置文件路径")
	flag.StringVar(&envFile, "envFile", "", "env文件路径")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), help, cli.Usage())
	}
	flag.Parse()

	args := &conf.CommandLineArgs{ConfigPath: configPath, EnvFile: envFile}
	if err := cli.Run(args, flag.Args(), os.Stdout); err != nil {
		if jerrors.Cause(err) == cli.ErrUsage {
			fmt.Fprintf(os.Stderr, help, cli.Usage())
		}
		fmt.Fprintln(os.Stderr, jerrors.ErrorStack(err))
		os.Exit(1)
	}
}
