package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// ExitError carries a non-zero exit code out of a command.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// Hooks connect the command tree to the running application.
type Hooks struct {
	Serve   func(ctx context.Context) error
	Migrate func(ctx context.Context) error
	// Admin opens the admin service. The returned func releases it.
	Admin func(ctx context.Context) (*AdminCLI, func(), error)
}

// NewRootCommand builds the gatekeeper command tree.
func NewRootCommand(hooks Hooks) *cobra.Command {
	var jsonOutput bool
	root := &cobra.Command{
		Use:           "gatekeeper",
		Short:         "Authentication and access control service",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "write machine readable output")

	options := func(cmd *cobra.Command) Options {
		return Options{JSONOutput: jsonOutput, Stdout: cmd.OutOrStdout(), Stderr: cmd.ErrOrStderr()}
	}
	// admin wraps fn with the admin service lifecycle and exit code handling.
	admin := func(fn func(ctx context.Context, c *AdminCLI, opts Options, args []string) int) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			if hooks.Admin == nil {
				return errors.New("admin commands are not configured")
			}
			c, release, err := hooks.Admin(cmd.Context())
			if err != nil {
				return err
			}
			defer release()
			return exit(fn(cmd.Context(), c, options(cmd), args))
		}
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if hooks.Serve == nil {
				return errors.New("serve is not configured")
			}
			return hooks.Serve(cmd.Context())
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if hooks.Migrate == nil {
				return errors.New("migrate is not configured")
			}
			if err := hooks.Migrate(cmd.Context()); err != nil {
				return err
			}
			return exit(done(options(cmd), "Database schema is up to date"))
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "seed",
		Short: "Create the default roles and permissions",
		Args:  cobra.NoArgs,
		RunE: admin(func(ctx context.Context, c *AdminCLI, opts Options, _ []string) int {
			return c.Seed(ctx, opts)
		}),
	})

	root.AddCommand(userCommand(admin), roleCommand(admin), permissionCommand(admin), passwordCommand(options))
	return root
}

type adminRunner func(fn func(ctx context.Context, c *AdminCLI, opts Options, args []string) int) func(*cobra.Command, []string) error

func userCommand(admin adminRunner) *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage users"}

	var email string
	create := &cobra.Command{
		Use:   "create <username> <password>",
		Short: "Create a user",
		Args:  cobra.ExactArgs(2),
		RunE: admin(func(ctx context.Context, c *AdminCLI, opts Options, args []string) int {
			return c.CreateUser(ctx, opts, args[0], email, args[1])
		}),
	}
	create.Flags().StringVar(&email, "email", "", "email address")

	addRole := &cobra.Command{
		Use:   "add-role <username> <role>",
		Short: "Add a role to a user",
		Args:  cobra.ExactArgs(2),
		RunE: admin(func(ctx context.Context, c *AdminCLI, opts Options, args []string) int {
			return c.AddRoleToUser(ctx, opts, args[0], args[1])
		}),
	}

	var deny bool
	addPermission := &cobra.Command{
		Use:   "add-permission <username> <permission>",
		Short: "Set an explicit permission on a user",
		Args:  cobra.ExactArgs(2),
		RunE: admin(func(ctx context.Context, c *AdminCLI, opts Options, args []string) int {
			return c.AddPermissionToUser(ctx, opts, args[0], args[1], !deny)
		}),
	}
	addPermission.Flags().BoolVar(&deny, "deny", false, "deny instead of allow")

	user.AddCommand(create, addRole, addPermission)
	return user
}

func roleCommand(admin adminRunner) *cobra.Command {
	role := &cobra.Command{Use: "role", Short: "Manage roles"}
	list := &cobra.Command{
		Use:   "list",
		Short: "List roles",
		Args:  cobra.NoArgs,
		RunE: admin(func(ctx context.Context, c *AdminCLI, opts Options, _ []string) int {
			return c.ListRoles(ctx, opts)
		}),
	}
	add := &cobra.Command{
		Use:   "add <key> <name>",
		Short: "Add a role",
		Args:  cobra.ExactArgs(2),
		RunE: admin(func(ctx context.Context, c *AdminCLI, opts Options, args []string) int {
			return c.AddRole(ctx, opts, args[0], args[1])
		}),
	}
	var deny bool
	addPermission := &cobra.Command{
		Use:   "add-permission <role> <permission>",
		Short: "Grant a permission to a role",
		Args:  cobra.ExactArgs(2),
		RunE: admin(func(ctx context.Context, c *AdminCLI, opts Options, args []string) int {
			return c.AddPermissionToRole(ctx, opts, args[1], args[0], !deny)
		}),
	}
	addPermission.Flags().BoolVar(&deny, "deny", false, "deny instead of allow")
	role.AddCommand(list, add, addPermission)
	return role
}

func permissionCommand(admin adminRunner) *cobra.Command {
	permission := &cobra.Command{Use: "permission", Short: "Manage permissions"}
	list := &cobra.Command{
		Use:   "list",
		Short: "List permissions",
		Args:  cobra.NoArgs,
		RunE: admin(func(ctx context.Context, c *AdminCLI, opts Options, _ []string) int {
			return c.ListPermissions(ctx, opts)
		}),
	}
	add := &cobra.Command{
		Use:   "add <key> <name>",
		Short: "Add a permission",
		Args:  cobra.ExactArgs(2),
		RunE: admin(func(ctx context.Context, c *AdminCLI, opts Options, args []string) int {
			return c.AddPermission(ctx, opts, args[0], args[1])
		}),
	}
	permission.AddCommand(list, add)
	return permission
}

func passwordCommand(options func(*cobra.Command) Options) *cobra.Command {
	password := &cobra.Command{Use: "password", Short: "Password utilities"}
	var length int
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Print a random password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return exit(GeneratePassword(options(cmd), length))
		},
	}
	generate.Flags().IntVarP(&length, "length", "l", 12, "password length")
	password.AddCommand(generate)
	return password
}

// Execute runs root with args and maps the outcome to an exit code.
func Execute(ctx context.Context, root *cobra.Command, args []string) int {
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	_, _ = fmt.Fprintf(root.ErrOrStderr(), "gatekeeper: %v\n", err)
	return ExitFailure
}

func exit(code int) error {
	if code == ExitOK {
		return nil
	}
	return &ExitError{Code: code}
}
