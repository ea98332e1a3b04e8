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
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"

	"github.com/northlake-systems/pkgstage/app"
	"github.com/northlake-systems/pkgstage/conf"
)

func withPieces(c *cli.Context, fn func(p *pieces) error) error {
	config, err := conf.LoadConfig(c.String("config"), c.String("fallback-config"))
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	p, err := buildPieces(config)
	if err != nil {
		return err
	}
	defer p.close()

	// device-upgrading is only ever set by restoreCommand; every other
	// command leaves the flag unregistered, and c.Bool on an unknown
	// flag name returns false.
	if err := p.start(c.Bool("device-upgrading")); err != nil {
		return err
	}
	return fn(p)
}

func createSessionCommand() *cli.Command {
	return &cli.Command{
		Name:  "create-session",
		Usage: "create a new staged install session",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "package", Aliases: []string{"p"}, Usage: "package name being staged"},
			&cli.StringFlag{Name: "installer-identity", Value: "shell"},
			&cli.IntFlag{Name: "user-id", Value: 0},
			&cli.StringFlag{Name: "staging-dir", Usage: "directory containing archive files to stage"},
			&cli.UintFlag{Name: "parent-id", Usage: "attach as a child of an already-created parent session"},
			&cli.BoolFlag{Name: "apex-module", Usage: "this session installs a container-format module"},
			&cli.BoolFlag{Name: "enable-rollback"},
			&cli.BoolFlag{Name: "allow-downgrade"},
			&cli.BoolFlag{Name: "disable-verification"},
			&cli.BoolFlag{Name: "rollback", Usage: "this session reverses a previously committed rollback-enabled install"},
		},
		Action: func(c *cli.Context) error {
			return withPieces(c, func(p *pieces) error {
				flags := app.FlagStaged
				if c.Bool("apex-module") {
					flags |= app.FlagApexModule
				}
				if c.Bool("enable-rollback") {
					flags |= app.FlagEnableRollback
				}
				if c.Bool("allow-downgrade") {
					flags |= app.FlagAllowDowngrade
				}
				if c.Bool("disable-verification") {
					flags |= app.FlagDisableVerification
				}

				reason := app.ReasonNormal
				if c.Bool("rollback") {
					reason = app.ReasonRollback
				}

				params := app.Session{
					PackageName:       c.String("package"),
					InstallerIdentity: c.String("installer-identity"),
					TargetUserID:      c.Int("user-id"),
					StagingDir:        c.String("staging-dir"),
					InstallFlags:      flags,
					InstallReason:     reason,
				}
				if parentID := c.Uint("parent-id"); parentID != 0 {
					params.ParentID = uint32(parentID)
					params.HasParent = true
				}

				id, err := p.manager.CreateSession(params)
				if err != nil {
					return err
				}
				fmt.Println(id)
				return nil
			})
		},
	}
}

func commitSessionCommand() *cli.Command {
	return &cli.Command{
		Name:      "commit-session",
		Usage:     "run the conflict check and kick off verification for a session",
		ArgsUsage: "<session-id>",
		Action: func(c *cli.Context) error {
			id, err := sessionIDArg(c)
			if err != nil {
				return err
			}
			return withPieces(c, func(p *pieces) error {
				return p.manager.CommitSession(id)
			})
		},
	}
}

func abortSessionCommand() *cli.Command {
	return &cli.Command{
		Name:      "abort-session",
		Usage:     "destroy a session (committed sessions also best-effort abort the module daemon)",
		ArgsUsage: "<session-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "committed", Usage: "use abort_committed_session semantics"},
		},
		Action: func(c *cli.Context) error {
			id, err := sessionIDArg(c)
			if err != nil {
				return err
			}
			return withPieces(c, func(p *pieces) error {
				if err := p.manager.MarkDestroyed(id); err != nil {
					return err
				}
				if c.Bool("committed") {
					p.manager.AbortCommittedSession(id)
				} else {
					p.manager.AbortSession(id)
				}
				return nil
			})
		},
	}
}

func listSessionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "list-sessions",
		Usage: "list sessions currently committed (neither CREATED, terminal, nor DESTROYED)",
		Action: func(c *cli.Context) error {
			return withPieces(c, func(p *pieces) error {
				for _, s := range p.sessionStore.ListCommitted() {
					fmt.Printf("%d\t%s\t%s\t%s\n", s.ID, s.PackageName, s.State, s.Kind(p.sessionStore.Resolver()))
				}
				return nil
			})
		},
	}
}

// listCommittedCommand surfaces the same data as list-sessions but
// scoped to a single requested package.
func listCommittedCommand() *cli.Command {
	return &cli.Command{
		Name:      "list-committed",
		Usage:     "report whether a package currently has a non-terminal staged session",
		ArgsUsage: "<package-name>",
		Action: func(c *cli.Context) error {
			pkg := c.Args().First()
			if pkg == "" {
				return errors.New("package name required")
			}
			return withPieces(c, func(p *pieces) error {
				for _, s := range p.sessionStore.ListCommitted() {
					if s.PackageName == pkg {
						fmt.Printf("%d\t%s\n", s.ID, s.State)
						return nil
					}
				}
				fmt.Println("not staged")
				return nil
			})
		},
	}
}

func restoreCommand() *cli.Command {
	return &cli.Command{
		Name:  "restore",
		Usage: "boot-path entrypoint: restore persisted sessions, reconcile, then signal boot completion",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "device-upgrading", Usage: "the build fingerprint changed since last boot"},
		},
		Action: func(c *cli.Context) error {
			return withPieces(c, func(p *pieces) error {
				log.Info("boot reconciliation complete")
				p.reconciler.BootCompleted()
				return nil
			})
		},
	}
}

func waitConstraintsCommand() *cli.Command {
	return &cli.Command{
		Name:      "wait-constraints",
		Usage:     "block until the named packages satisfy the requested install constraints or the timeout elapses",
		ArgsUsage: "<package> [package...]",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "timeout-ms", Value: 30000},
			&cli.BoolFlag{Name: "require-idle"},
			&cli.BoolFlag{Name: "require-foreground-absent"},
			&cli.BoolFlag{Name: "require-interacting-absent"},
			&cli.BoolFlag{Name: "require-top-visible-absent"},
			&cli.BoolFlag{Name: "require-in-call-absent"},
		},
		Action: func(c *cli.Context) error {
			packages := c.Args().Slice()
			if len(packages) == 0 {
				return errors.New("at least one package required")
			}

			var constraints app.Constraints
			if c.Bool("require-idle") {
				constraints |= app.ConstraintDeviceIdle
			}
			if c.Bool("require-foreground-absent") {
				constraints |= app.ConstraintForegroundAbsent
			}
			if c.Bool("require-interacting-absent") {
				constraints |= app.ConstraintInteractingAbsent
			}
			if c.Bool("require-top-visible-absent") {
				constraints |= app.ConstraintTopVisibleAbsent
			}
			if c.Bool("require-in-call-absent") {
				constraints |= app.ConstraintInCallAbsent
			}

			return withPieces(c, func(p *pieces) error {
				result := <-p.manager.CheckInstallConstraints(packages, constraints, c.Int64("timeout-ms"))
				fmt.Println(result.Satisfied)
				return nil
			})
		},
	}
}

func sessionIDArg(c *cli.Context) (uint32, error) {
	if c.Args().Len() < 1 {
		return 0, errors.New("session id required")
	}
	var id uint32
	if _, err := fmt.Sscanf(c.Args().First(), "%d", &id); err != nil {
		return 0, errors.Wrapf(err, "invalid session id %q", c.Args().First())
	}
	return id, nil
}
