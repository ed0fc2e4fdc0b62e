// Command flintdb is the command-line front end of the storage engine:
// one-shot statement execution, an interactive shell, and table inspection.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/peterh/liner"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fillmemory/flintdb"
)

var (
	dataDir string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "flintdb",
	Short: "Embedded row store with indexed tables and delimited flat files",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logrus.SetLevel(logrus.DebugLevel)
		} else {
			logrus.SetLevel(logrus.WarnLevel)
		}
	},
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&dataDir, "dir", "d", ".", "data directory holding tables and flat files")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(execCmd(), shellCmd(), statCmd(), schemaCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func execCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exec <statement>",
		Short: "Execute one SQL statement and print the result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatement(strings.Join(args, " "))
		},
	}
}

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive SQL shell",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShell()
		},
	}
}

func statCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <name>",
		Short: "Print row and byte counts for a table or flat file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStat(args[0])
		},
	}
}

func schemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema <name>",
		Short: "Print the schema DDL of a table or flat file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := flintdb.ReadMetaFile(metaPath(args[0]))
			if err != nil {
				return err
			}
			fmt.Println(m.SchemaString())
			return nil
		},
	}
}

// flat reports whether name addresses a delimited flat file rather than an
// indexed table.
func flat(name string) bool {
	return strings.Contains(name, ".") && !strings.HasSuffix(name, flintdb.TableSuffix)
}

func dataPath(name string) string {
	if flat(name) || strings.HasSuffix(name, flintdb.TableSuffix) {
		return filepath.Join(dataDir, name)
	}
	return filepath.Join(dataDir, name+flintdb.TableSuffix)
}

func metaPath(name string) string {
	p := dataPath(name)
	if flat(name) {
		return p + flintdb.MetaSuffix
	}
	return strings.TrimSuffix(p, flintdb.TableSuffix) + flintdb.MetaSuffix
}

func runStatement(stmt string) error {
	res, err := flintdb.Exec(dataDir, stmt)
	if err != nil {
		return err
	}
	return render(res)
}

// render prints a query result as an aligned table, or the affected row
// count for mutations.
func render(res *flintdb.Result) error {
	if res.Rows == nil {
		fmt.Printf("OK, %d rows affected\n", res.Affected)
		return nil
	}
	defer res.Rows.Close()

	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader(res.Columns)
	tw.SetAutoFormatHeaders(false)
	tw.SetBorder(false)
	n := 0
	for res.Rows.Next() {
		r := res.Rows.Row()
		fields := make([]string, r.Len())
		for i := range fields {
			v, err := r.Get(i)
			if err != nil {
				return err
			}
			fields[i] = v.String()
		}
		tw.Append(fields)
		n++
	}
	if err := res.Rows.Err(); err != nil {
		return err
	}
	tw.Render()
	fmt.Printf("%d rows\n", n)
	return nil
}

func historyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".flintdb_history")
}

func runShell() error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	if hp := historyPath(); hp != "" {
		if f, err := os.Open(hp); err == nil {
			line.ReadHistory(f)
			f.Close()
		}
		defer func() {
			if f, err := os.Create(hp); err == nil {
				line.WriteHistory(f)
				f.Close()
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		line.Close()
		os.Exit(0)
	}()

	fmt.Printf("flintdb shell, data directory %s\n", dataDir)
	fmt.Println("Type a SQL statement, or 'exit' to leave.")

	for {
		in, err := line.Prompt("flintdb> ")
		if err != nil {
			// ErrPromptAborted (ctrl-C) and io.EOF both end the session
			fmt.Println()
			return nil
		}
		in = strings.TrimSpace(in)
		if in == "" {
			continue
		}
		if strings.EqualFold(in, "exit") || strings.EqualFold(in, "quit") {
			return nil
		}
		line.AppendHistory(in)
		if err := runStatement(in); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

func runStat(name string) error {
	var rows, bytes int64
	m, err := flintdb.ReadMetaFile(metaPath(name))
	if err != nil {
		return err
	}
	if flat(name) {
		ff, err := flintdb.OpenFlatFile(dataPath(name), nil)
		if err != nil {
			return err
		}
		defer ff.Close()
		rows, bytes = ff.Rows(), ff.Bytes()
	} else {
		t, err := flintdb.OpenTableMode(dataPath(name), flintdb.ReadOnly, nil)
		if err != nil {
			return err
		}
		defer t.Close()
		rows, bytes = t.Rows(), t.Bytes()
	}

	fmt.Printf("name:    %s\n", m.Name)
	fmt.Printf("columns: %d\n", m.NumColumns())
	fmt.Printf("indexes: %d\n", m.NumIndexes())
	fmt.Printf("rows:    %s\n", humanize.Comma(rows))
	fmt.Printf("size:    %s\n", humanize.IBytes(uint64(bytes)))
	return nil
}
