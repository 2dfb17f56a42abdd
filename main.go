package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lotas/tabtree/internal/applog"
	"github.com/lotas/tabtree/internal/config"
	"github.com/lotas/tabtree/internal/export"
	"github.com/lotas/tabtree/internal/heuristics"
	"github.com/lotas/tabtree/internal/llm"
	"github.com/lotas/tabtree/internal/naming"
	"github.com/lotas/tabtree/internal/schedule"
	"github.com/lotas/tabtree/internal/server"
	"github.com/lotas/tabtree/internal/service"
	"github.com/lotas/tabtree/internal/storage"
	"github.com/lotas/tabtree/internal/tree"
	"github.com/lotas/tabtree/internal/treeview"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve":
			runServe(os.Args[2:])
			return
		case "tree":
			runTree(os.Args[2:])
			return
		case "export":
			runExport(os.Args[2:])
			return
		case "rename":
			runRename(os.Args[2:])
			return
		case "move":
			runMove(os.Args[2:])
			return
		case "delete":
			runDelete(os.Args[2:])
			return
		case "name":
			runName(os.Args[2:])
			return
		case "label":
			runLabel(os.Args[2:])
			return
		case "help", "--help", "-h":
			printHelp()
			return
		}
	}
	runServe(os.Args[1:])
}

func printHelp() {
	fmt.Print(`tabtree: conversation tree for AI chat tabs

Usage:
  tabtree [serve]                                  Run the extension bridge (default)
    --port <n>             WebSocket port (default: 19192, env: TABTREE_PORT)

  tabtree tree                                     Print the conversation tree
    --ids                  Show node ids
    --urls                 Show node URLs
    --open                 Hide closed branches

  tabtree export                                   Export the tree to stdout or file
    --json                 Export as JSON instead of markdown
    --out <file>           Output file path (default: stdout)

  tabtree rename <id> <label>                      Set a node's label
  tabtree move <id> [parent]                       Move a node (no parent = make root)
  tabtree delete <id> [--children] [--yes]         Delete a node
  tabtree name <id>                                Run naming from the stored snapshot
  tabtree label [--title t]                        Label text read from stdin, offline

All commands accept --config <file> (default: ~/.config/tabtree/config.toml).

Environment:
  TABTREE_NAMING_MODE    builtin, custom or local
  TABTREE_NAMING_API_KEY API key for the custom endpoint
  TABTREE_DATA_DIR       Data directory (default: ~/.local/share/tabtree)
`)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format, args...)
	os.Exit(1)
}

// reorderArgs moves flag arguments before positional arguments so that
// flag.Parse handles them correctly (it stops at the first non-flag arg).
// Boolean flags must be listed in bools so their next argument is left alone.
func reorderArgs(args []string, bools ...string) []string {
	isBool := make(map[string]bool, len(bools))
	for _, b := range bools {
		isBool[b] = true
	}
	var flags, positional []string
	for i := 0; i < len(args); i++ {
		if strings.HasPrefix(args[i], "-") {
			flags = append(flags, args[i])
			name := strings.TrimLeft(args[i], "-")
			if !isBool[name] && !strings.Contains(name, "=") && i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
				flags = append(flags, args[i+1])
				i++
			}
		} else {
			positional = append(positional, args[i])
		}
	}
	return append(flags, positional...)
}

func loadConfig(path string) *config.Settings {
	settings, err := config.Load(path)
	if err != nil {
		fatalf("Error loading config: %v\n", err)
	}
	return settings
}

// openDB opens the database in the configured data directory and starts
// the log file next to it.
func openDB(settings *config.Settings) (*sql.DB, error) {
	dir, err := settings.DataDir()
	if err != nil {
		return nil, err
	}
	if err := applog.Init(dir); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: logging disabled: %v\n", err)
	}
	return storage.OpenDB(storage.DBPath(dir))
}

func newModels(settings *config.Settings) (*llm.Client, *llm.Pool) {
	client := &llm.Client{}
	pool := llm.NewPool(client, settings.BuiltinURL(), settings.BuiltinModels(), settings.BuiltinCooldown(), schedule.Real{})
	return client, pool
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Config file path")
	port := fs.Int("port", 0, "WebSocket port (overrides config)")
	fs.Parse(args)

	settings := loadConfig(*cfgPath)
	if *port == 0 {
		*port = settings.Port()
	}

	db, err := openDB(settings)
	if err != nil {
		fatalf("Error opening database: %v\n", err)
	}
	defer db.Close()
	defer applog.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	applog.Info("serve.start", "port", *port, "config", settings.Path())
	srv := server.New(*port)
	sched := schedule.New(schedule.Real{})
	defer sched.Stop()

	client, pool := newModels(settings)
	svc := service.New(service.Config{
		DB:            db,
		Bridge:        srv,
		Settings:      settings,
		Scheduler:     sched,
		Pool:          pool,
		Client:        client,
		NamingTimeout: settings.NamingTimeout(),
	})
	go svc.Run(ctx, srv.Messages())

	fmt.Fprintf(os.Stderr, "Listening for the browser extension on 127.0.0.1:%d\n", *port)
	if err := srv.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
		fatalf("Error: %v\n", err)
	}
}

func loadForest(settings *config.Settings) []*tree.Node {
	db, err := openDB(settings)
	if err != nil {
		fatalf("Error opening database: %v\n", err)
	}
	defer db.Close()

	nodes, err := storage.ListNodes(db)
	if err != nil {
		fatalf("Error listing nodes: %v\n", err)
	}
	return tree.Build(nodes)
}

func runTree(args []string) {
	fs := flag.NewFlagSet("tree", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Config file path")
	ids := fs.Bool("ids", false, "Show node ids")
	urls := fs.Bool("urls", false, "Show node URLs")
	open := fs.Bool("open", false, "Hide closed branches")
	fs.Parse(args)

	roots := loadForest(loadConfig(*cfgPath))
	fmt.Print(treeview.Render(roots, treeview.Options{ShowIDs: *ids, ShowURLs: *urls, HideClosed: *open}))
}

func runExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Config file path")
	jsonFlag := fs.Bool("json", false, "Export as JSON instead of markdown")
	outFile := fs.String("out", "", "Output file path (default: stdout)")
	fs.Parse(args)

	roots := loadForest(loadConfig(*cfgPath))

	var output string
	var err error
	if *jsonFlag {
		output, err = export.JSON(roots, time.Now())
		if err != nil {
			fatalf("Error generating JSON: %v\n", err)
		}
	} else {
		output = export.Markdown(roots, time.Now())
	}

	if *outFile != "" {
		if err := os.WriteFile(*outFile, []byte(output), 0644); err != nil {
			fatalf("Error writing file: %v\n", err)
		}
	} else {
		fmt.Print(output)
	}
}

func runRename(args []string) {
	fs := flag.NewFlagSet("rename", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Config file path")
	fs.Parse(reorderArgs(args))

	if fs.NArg() < 2 {
		fatalf("Usage: tabtree rename <id> <label>\n")
	}

	db, err := openDB(loadConfig(*cfgPath))
	if err != nil {
		fatalf("Error opening database: %v\n", err)
	}
	defer db.Close()

	label := strings.Join(fs.Args()[1:], " ")
	n, err := tree.Rename(db, fs.Arg(0), label)
	if err != nil {
		fatalf("Error renaming node: %v\n", err)
	}
	if n == nil {
		fmt.Printf("No node %s.\n", fs.Arg(0))
		return
	}
	fmt.Printf("Renamed %s to %q.\n", n.ID, n.Label)
}

func runMove(args []string) {
	fs := flag.NewFlagSet("move", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Config file path")
	fs.Parse(reorderArgs(args))

	if fs.NArg() < 1 {
		fatalf("Usage: tabtree move <id> [parent]\n")
	}

	db, err := openDB(loadConfig(*cfgPath))
	if err != nil {
		fatalf("Error opening database: %v\n", err)
	}
	defer db.Close()

	n, err := tree.Move(db, fs.Arg(0), fs.Arg(1))
	if err != nil {
		fatalf("Error moving node: %v\n", err)
	}
	if n.ParentID == "" {
		fmt.Printf("%s is now a root.\n", n.ID)
		return
	}
	fmt.Printf("Moved %s under %s.\n", n.ID, n.ParentID)
}

func runDelete(args []string) {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Config file path")
	children := fs.Bool("children", false, "Also delete all descendants")
	yes := fs.Bool("yes", false, "Skip confirmation prompt")
	fs.Parse(reorderArgs(args, "children", "yes"))

	if fs.NArg() < 1 {
		fatalf("Usage: tabtree delete <id> [--children] [--yes]\n")
	}
	id := fs.Arg(0)

	if !*yes {
		what := "node " + id
		if *children {
			what += " and its descendants"
		}
		fmt.Printf("Delete %s? [y/N] ", what)
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		answer = strings.TrimSpace(strings.ToLower(answer))
		if answer != "y" && answer != "yes" {
			fmt.Println("Aborted.")
			return
		}
	}

	db, err := openDB(loadConfig(*cfgPath))
	if err != nil {
		fatalf("Error opening database: %v\n", err)
	}
	defer db.Close()

	deleted, err := tree.Delete(db, id, *children)
	if errors.Is(err, tree.ErrNotFound) {
		fatalf("No node %s.\n", id)
	}
	if err != nil {
		fatalf("Error deleting node: %v\n", err)
	}
	fmt.Printf("Deleted %d node(s).\n", len(deleted))
}

func runName(args []string) {
	fs := flag.NewFlagSet("name", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Config file path")
	fs.Parse(reorderArgs(args))

	if fs.NArg() < 1 {
		fatalf("Usage: tabtree name <id>\n")
	}

	settings := loadConfig(*cfgPath)
	db, err := openDB(settings)
	if err != nil {
		fatalf("Error opening database: %v\n", err)
	}
	defer db.Close()
	defer applog.Close()

	client, pool := newModels(settings)
	namer := naming.New(db, settings, pool, client, naming.WithTimeout(settings.NamingTimeout()))
	label := namer.Name(context.Background(), naming.Request{NodeID: fs.Arg(0), Force: true, Reason: "manual"})
	if label == "" {
		fatalf("No label produced for %s.\n", fs.Arg(0))
	}
	fmt.Println(label)
}

func runLabel(args []string) {
	fs := flag.NewFlagSet("label", flag.ExitOnError)
	title := fs.String("title", "", "Page title used as the last fallback")
	fs.Parse(args)

	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		fatalf("Error reading stdin: %v\n", err)
	}
	text := string(data)
	label := naming.LocalLabel(heuristics.LatestTurn(text), "", *title)
	if label == "" {
		fatalf("No label found.\n")
	}
	fmt.Println(label)
}
