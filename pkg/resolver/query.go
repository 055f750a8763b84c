package resolver

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/dominikletica/aaviondb/pkg/brain"
	"github.com/dominikletica/aaviondb/pkg/canonical"
	"github.com/dominikletica/aaviondb/pkg/fault"
	"github.com/dominikletica/aaviondb/pkg/filter"
)

// options are the `key=value` segments of a ref or query shortcode.
type options struct {
	project   string
	where     string
	fields    []string
	sortPath  string
	sortDesc  bool
	limit     int
	offset    int
	format    string
	template  string
	separator string
	hasLimit  bool
}

// escapes let separators and templates carry newlines and tabs even
// though attribute text is whitespace-normalized by the marker scheme.
var escapes = strings.NewReplacer(`\n`, "\n", `\t`, "\t")

func parseOptions(segments []string) options {
	var opts options
	for _, seg := range segments {
		key, value, ok := strings.Cut(seg, "=")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		switch key {
		case "project":
			opts.project = value
		case "where":
			opts.where = value
		case "select":
			opts.fields = splitCSV(value)
		case "sort":
			opts.sortPath = value
			if path, dir, found := strings.Cut(value, ":"); found {
				opts.sortPath = strings.TrimSpace(path)
				opts.sortDesc = strings.EqualFold(strings.TrimSpace(dir), "desc")
			}
		case "limit":
			if n, err := strconv.Atoi(value); err == nil && n >= 0 {
				opts.limit = n
				opts.hasLimit = true
			}
		case "offset":
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				opts.offset = n
			}
		case "format":
			opts.format = strings.ToLower(value)
		case "template":
			opts.template = escapes.Replace(value)
		case "separator":
			opts.separator = escapes.Replace(value)
		}
	}
	return opts
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

type queryRow struct {
	rec *brain.Record
}

// expandQuery scans the active entities of the selected projects,
// filters, sorts and slices them, then renders per format or template.
// Query results are rendered verbatim; they do not recurse into the
// matched payloads.
func (r *resolution) expandQuery(attrs string, ctx Context) (string, error) {
	opts := parseOptions(strings.Split(attrs, "|"))

	projects, err := r.queryProjects(opts.project, ctx)
	if err != nil {
		return "", err
	}
	conditions, err := parseConditions(opts.where)
	if err != nil {
		return "", err
	}
	for i := range conditions {
		conditions[i].value = r.expandPlaceholders(conditions[i].value, ctx)
	}

	var rows []queryRow
	for _, project := range projects {
		entities, err := r.engine.repo.ListEntities(project)
		if err != nil {
			if fault.KindOf(err) == fault.KindNotFound {
				continue
			}
			return "", err
		}
		for _, info := range entities {
			if info.ActiveVersion == "" {
				continue
			}
			rec, err := r.engine.repo.GetEntityVersion(project, info.Slug, "")
			if err != nil {
				continue
			}
			ok, err := matchConditions(rec, conditions)
			if err != nil {
				return "", err
			}
			if ok {
				rows = append(rows, queryRow{rec: rec})
			}
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].rec.Project != rows[j].rec.Project {
			return rows[i].rec.Project < rows[j].rec.Project
		}
		return rows[i].rec.Entity < rows[j].rec.Entity
	})
	if opts.sortPath != "" {
		sortRows(rows, opts)
	}
	rows = sliceRows(rows, opts)

	if opts.template != "" {
		return r.renderTemplate(rows, opts, ctx), nil
	}
	return renderRows(rows, opts)
}

// queryProjects resolves the project option: empty means the calling
// project, "*" means every project in the active brain, otherwise a CSV
// of slugs.
func (r *resolution) queryProjects(option string, ctx Context) ([]string, error) {
	option = strings.TrimSpace(r.expandPlaceholders(option, ctx))
	if option == "" {
		if ctx.Project == "" {
			return nil, fault.Invalid("query has no project scope")
		}
		return []string{ctx.Project}, nil
	}
	if option == "*" {
		infos, err := r.engine.repo.ListProjects()
		if err != nil {
			return nil, err
		}
		slugs := make([]string, 0, len(infos))
		for _, info := range infos {
			slugs = append(slugs, info.Slug)
		}
		sort.Strings(slugs)
		return slugs, nil
	}
	slugs := splitCSV(option)
	if len(slugs) == 0 {
		return nil, fault.Invalid("query project option %q selects nothing", option)
	}
	return slugs, nil
}

type condition struct {
	field string
	op    string
	value string
}

// conditionOps is ordered so that word operators and two-character
// symbols win over their shorter prefixes.
var conditionOps = []string{
	" !contains ", " not in ", " contains ", " matches ", " regex ", " in ",
	"==", "!=", "<>", "<=", ">=", "=", "~", "<", ">",
}

func parseConditions(where string) ([]condition, error) {
	where = strings.TrimSpace(where)
	if where == "" {
		return nil, nil
	}
	parts := strings.Split(where, "&&")
	conditions := make([]condition, 0, len(parts))
	for _, part := range parts {
		cond, err := parseCondition(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		conditions = append(conditions, cond)
	}
	return conditions, nil
}

func parseCondition(raw string) (condition, error) {
	for _, op := range conditionOps {
		idx := strings.Index(raw, op)
		if idx <= 0 {
			continue
		}
		field := strings.TrimSpace(raw[:idx])
		if field == "" {
			continue
		}
		return condition{
			field: field,
			op:    strings.TrimSpace(op),
			value: strings.TrimSpace(raw[idx+len(op):]),
		}, nil
	}
	return condition{}, fault.Invalid("unsupported where condition %q", raw)
}

func matchConditions(rec *brain.Record, conditions []condition) (bool, error) {
	for _, cond := range conditions {
		ok, err := evalCondition(rec, cond)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// evalCondition applies one condition to a record. Missing fields fail
// every operator, negated ones included.
func evalCondition(rec *brain.Record, cond condition) (bool, error) {
	res := fieldResult(rec, cond.field)
	if !res.Exists() {
		return false, nil
	}
	switch cond.op {
	case "=", "==":
		return resultEquals(res, cond.value), nil
	case "!=", "<>":
		return !resultEquals(res, cond.value), nil
	case "<", "<=", ">", ">=":
		return resultCompares(res, cond.op, cond.value), nil
	case "contains":
		return resultContains(res, cond.value), nil
	case "!contains":
		return !resultContains(res, cond.value), nil
	case "in":
		return resultIn(res, cond.value), nil
	case "not in":
		return !resultIn(res, cond.value), nil
	case "~", "matches", "regex":
		re, err := regexp.Compile(cond.value)
		if err != nil {
			return false, fault.Invalid("invalid where pattern %q: %v", cond.value, err)
		}
		return re.MatchString(scalarString(res)), nil
	default:
		return false, fault.Invalid("unsupported where operator %q", cond.op)
	}
}

// fieldResult reads a condition or sort field. The record identity
// fields are addressable by name; everything else is a payload path,
// with an optional "payload." prefix.
func fieldResult(rec *brain.Record, field string) gjson.Result {
	switch field {
	case "slug", "entity":
		return stringResult(rec.Entity)
	case "project":
		return stringResult(rec.Project)
	case "parent":
		return stringResult(rec.Parent)
	case "version":
		return stringResult(rec.Version)
	}
	path := strings.TrimPrefix(field, "payload.")
	return gjson.GetBytes(rec.Payload, filter.NormalizePath(path))
}

func stringResult(s string) gjson.Result {
	return gjson.Result{Type: gjson.String, Str: s, Raw: strconv.Quote(s)}
}

func resultEquals(res gjson.Result, want string) bool {
	if res.Type == gjson.Number {
		if n, err := strconv.ParseFloat(want, 64); err == nil {
			return res.Num == n
		}
	}
	return scalarString(res) == want
}

func resultCompares(res gjson.Result, op, want string) bool {
	if res.Type == gjson.Number {
		if n, err := strconv.ParseFloat(want, 64); err == nil {
			switch op {
			case "<":
				return res.Num < n
			case "<=":
				return res.Num <= n
			case ">":
				return res.Num > n
			case ">=":
				return res.Num >= n
			}
		}
	}
	a, b := scalarString(res), want
	switch op {
	case "<":
		return a < b
	case "<=":
		return a <= b
	case ">":
		return a > b
	case ">=":
		return a >= b
	}
	return false
}

func resultContains(res gjson.Result, want string) bool {
	if res.IsArray() {
		for _, item := range res.Array() {
			if item.String() == want {
				return true
			}
		}
		return false
	}
	if res.Type == gjson.String {
		return strings.Contains(res.Str, want)
	}
	return scalarString(res) == want
}

func resultIn(res gjson.Result, want string) bool {
	want = strings.TrimSuffix(strings.TrimPrefix(want, "["), "]")
	have := scalarString(res)
	for _, candidate := range splitCSV(want) {
		if have == candidate {
			return true
		}
	}
	return false
}

func sortRows(rows []queryRow, opts options) {
	sort.SliceStable(rows, func(i, j int) bool {
		a := fieldResult(rows[i].rec, opts.sortPath)
		b := fieldResult(rows[j].rec, opts.sortPath)
		if opts.sortDesc {
			return lessResults(b, a)
		}
		return lessResults(a, b)
	})
}

func lessResults(a, b gjson.Result) bool {
	if a.Type == gjson.Number && b.Type == gjson.Number {
		return a.Num < b.Num
	}
	return sortKey(a) < sortKey(b)
}

// sortKey treats missing values as empty so they order first.
func sortKey(res gjson.Result) string {
	if !res.Exists() {
		return ""
	}
	return scalarString(res)
}

func sliceRows(rows []queryRow, opts options) []queryRow {
	if opts.offset > 0 {
		if opts.offset >= len(rows) {
			return nil
		}
		rows = rows[opts.offset:]
	}
	if opts.hasLimit && opts.limit < len(rows) {
		rows = rows[:opts.limit]
	}
	return rows
}

// rowValues extracts the selected fields of one row. Without a select
// option the row's value is its whole payload.
func rowValues(rec *brain.Record, fields []string) []gjson.Result {
	if len(fields) == 0 {
		return []gjson.Result{gjson.ParseBytes(rec.Payload)}
	}
	values := make([]gjson.Result, 0, len(fields))
	for _, field := range fields {
		values = append(values, fieldResult(rec, field))
	}
	return values
}

func renderRows(rows []queryRow, opts options) (string, error) {
	switch opts.format {
	case "", "plain":
		return renderPlain(rows, opts, scalarString), nil
	case "raw":
		return renderPlain(rows, opts, rawString), nil
	case "json":
		return renderJSON(rows, opts)
	case "markdown":
		return renderMarkdown(rows, opts), nil
	default:
		return "", fault.Invalid("unknown query format %q", opts.format)
	}
}

func renderPlain(rows []queryRow, opts options, render func(gjson.Result) string) string {
	separator := opts.separator
	if separator == "" {
		separator = ", "
	}
	parts := make([]string, 0, len(rows))
	for _, row := range rows {
		values := rowValues(row.rec, opts.fields)
		cells := make([]string, 0, len(values))
		for _, v := range values {
			cells = append(cells, render(v))
		}
		parts = append(parts, strings.Join(cells, " "))
	}
	return strings.Join(parts, separator)
}

func renderJSON(rows []queryRow, opts options) (string, error) {
	items := make([]any, 0, len(rows))
	for _, row := range rows {
		values := rowValues(row.rec, opts.fields)
		if len(opts.fields) > 1 {
			obj := make(map[string]any, len(values))
			for i, field := range opts.fields {
				obj[field] = values[i].Value()
			}
			items = append(items, obj)
		} else {
			items = append(items, values[0].Value())
		}
	}
	data, err := canonical.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func renderMarkdown(rows []queryRow, opts options) string {
	if len(opts.fields) > 1 {
		var b strings.Builder
		b.WriteString("| " + strings.Join(opts.fields, " | ") + " |\n")
		b.WriteString("|" + strings.Repeat(" --- |", len(opts.fields)) + "\n")
		for _, row := range rows {
			values := rowValues(row.rec, opts.fields)
			cells := make([]string, 0, len(values))
			for _, v := range values {
				cells = append(cells, scalarString(v))
			}
			b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
		}
		return strings.TrimSuffix(b.String(), "\n")
	}
	parts := make([]string, 0, len(rows))
	for _, row := range rows {
		values := rowValues(row.rec, opts.fields)
		parts = append(parts, "- "+scalarString(values[0]))
	}
	return strings.Join(parts, "\n")
}

// renderTemplate renders each row through the template with the row's
// own resolver context, then substitutes the record URL forms computed
// relative to the calling entity.
func (r *resolution) renderTemplate(rows []queryRow, opts options, ctx Context) string {
	separator := opts.separator
	if separator == "" {
		separator = "\n"
	}
	parts := make([]string, 0, len(rows))
	for _, row := range rows {
		rec := row.rec
		rowCtx := Context{
			Project: rec.Project,
			Entity:  rec.Entity,
			Version: rec.Version,
			Params:  ctx.Params,
			Payload: rec.Payload,
			Path:    rec.PathSegments,
		}
		rendered := r.expandPlaceholders(opts.template, rowCtx)
		relative, absolute := recordURLs(ctx.Path, rec.PathSegments)
		rendered = strings.ReplaceAll(rendered, "{record.url_relative}", relative)
		rendered = strings.ReplaceAll(rendered, "{record.url_absolute}", absolute)
		rendered = strings.ReplaceAll(rendered, "{record.url}", relative)
		parts = append(parts, rendered)
	}
	return strings.Join(parts, separator)
}

// formatWholeValue renders a ref that addresses the whole payload.
func formatWholeValue(payload []byte, opts options) (string, error) {
	return formatResult(gjson.ParseBytes(payload), opts)
}

// formatResult renders a single extracted value for a ref shortcode.
func formatResult(res gjson.Result, opts options) (string, error) {
	switch opts.format {
	case "":
		if res.IsObject() || res.IsArray() {
			return canonicalText(res)
		}
		return scalarString(res), nil
	case "json":
		return canonicalText(res)
	case "plain":
		if res.IsArray() {
			separator := opts.separator
			if separator == "" {
				separator = ", "
			}
			items := res.Array()
			parts := make([]string, 0, len(items))
			for _, item := range items {
				parts = append(parts, scalarString(item))
			}
			return strings.Join(parts, separator), nil
		}
		return scalarString(res), nil
	case "raw":
		return rawString(res), nil
	case "markdown":
		if res.IsArray() {
			items := res.Array()
			parts := make([]string, 0, len(items))
			for _, item := range items {
				parts = append(parts, "- "+scalarString(item))
			}
			return strings.Join(parts, "\n"), nil
		}
		return scalarString(res), nil
	default:
		return "", fault.Invalid("unknown ref format %q", opts.format)
	}
}

func canonicalText(res gjson.Result) (string, error) {
	data, err := canonical.Marshal(res.Value())
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// scalarString renders a value for human-facing output: strings without
// quotes, numbers as written, composites as their JSON text.
func scalarString(res gjson.Result) string {
	switch res.Type {
	case gjson.String:
		return res.Str
	case gjson.Null:
		if !res.Exists() {
			return ""
		}
		return "null"
	default:
		return res.Raw
	}
}

func rawString(res gjson.Result) string {
	if res.Raw != "" {
		return res.Raw
	}
	return res.String()
}
