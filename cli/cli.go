// Copyright 2023 Northern.tech AS
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.
package cli

import (
	cli "github.com/urfave/cli/v2"

	"github.com/northlake-systems/pkgstage/conf"
)

// SetupCLI builds the urfave/cli application exposing the Staged
// Install Manager's public operations as operator commands.
func SetupCLI() *cli.App {
	return &cli.App{
		Name:                 "pkgstage",
		Usage:                "staged install manager for reboot-spanning, rollback-aware package installation",
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to the main configuration file",
				Value: conf.DefaultConfFile,
			},
			&cli.StringFlag{
				Name:  "fallback-config",
				Usage: "path to a fallback configuration file, overridden by --config",
			},
		},
		Commands: []*cli.Command{
			createSessionCommand(),
			commitSessionCommand(),
			abortSessionCommand(),
			listSessionsCommand(),
			listCommittedCommand(),
			restoreCommand(),
			waitConstraintsCommand(),
		},
	}
}
