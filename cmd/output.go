package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/logrusorgru/aurora"
	"github.com/mattn/go-colorable"
	"github.com/olekukonko/tablewriter"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	title = cases.Title(language.English)

	// stdout translates ANSI colors on Windows consoles.
	stdout = colorable.NewColorableStdout()
)

func Bold(s string) string {
	return aurora.Sprintf(aurora.Bold(s))
}

func Message(format string, args ...interface{}) {
	if format == "" {
		return
	}
	fmt.Fprintln(stdout, aurora.Sprintf(aurora.BrightBlack("> "+format), args...))
}

func Warn(format string, args ...interface{}) {
	if format == "" {
		return
	}
	fmt.Fprintln(stdout, aurora.Sprintf(aurora.Yellow("> Warning! %s"),
		aurora.Sprintf(aurora.BrightBlack(format), args...)))
}

func Success(format string, args ...interface{}) {
	fmt.Fprintln(stdout, aurora.Sprintf(aurora.Cyan("> Success! %s"),
		aurora.Sprintf(aurora.BrightBlack(format), args...)))
}

func End(format string, args ...interface{}) {
	Message(format, args...)
	os.Exit(0)
}

func Fatal(err error, args ...interface{}) {
	fmt.Fprintln(stdout, aurora.Sprintf(aurora.Red("> Error! %s"),
		aurora.Sprintf(aurora.BrightBlack(ErrMessage(err)), args...)))
	os.Exit(1)
}

func ErrCheck(err error, args ...interface{}) {
	if err != nil {
		Fatal(err, args...)
	}
}

// ErrMessage returns the message of err with its first word capitalized.
func ErrMessage(err error) string {
	words := strings.SplitN(err.Error(), " ", 2)
	words[0] = title.String(words[0])
	return strings.Join(words, " ")
}

func RenderTable(header []string, data [][]string) {
	fmt.Fprintln(stdout)
	table := tablewriter.NewWriter(stdout)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	table.SetNoWhiteSpace(false)
	headersColors := make([]tablewriter.Colors, len(header))
	for i := range headersColors {
		headersColors[i] = tablewriter.Colors{tablewriter.FgHiBlackColor}
	}
	table.SetHeaderColor(headersColors...)
	table.AppendBulk(data)
	table.Render()
	fmt.Fprintln(stdout)
}
