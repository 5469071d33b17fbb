package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

type WidgetType string

const (
	TypeTaskList     WidgetType = "task_list"
	TypeUserList     WidgetType = "user_list"
	TypeAccessList   WidgetType = "access_list"
	TypeReport       WidgetType = "report"
	TypeChart        WidgetType = "chart"
	TypeImageGrid    WidgetType = "image_grid"
	TypeProposalList WidgetType = "proposal_list"
	TypeProjectList  WidgetType = "project_list"
	TypeClientList   WidgetType = "client_list"
	TypeUnknown      WidgetType = "unknown"
)

// Widget is the closed set of widget descriptors. Only this package can add
// variants; renderers switch over the concrete types below plus *Unknown.
type Widget interface {
	Type() WidgetType
	validate() error
	isWidget()
}

// Flex holds a JSON string or number as text. Models emit ids and amounts
// both ways.
type Flex string

func (f *Flex) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = Flex(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*f = Flex(n.String())
	return nil
}

func (f Flex) String() string { return string(f) }

// Float parses the value as a number, ignoring it when it is not one.
func (f Flex) Float() (float64, bool) {
	v, err := strconv.ParseFloat(string(f), 64)
	return v, err == nil
}

type Task struct {
	ID         Flex   `json:"id"`
	Title      string `json:"title"`
	Status     string `json:"status"`
	Priority   string `json:"priority,omitempty"`
	DueDate    string `json:"due_date,omitempty"`
	Assignee   string `json:"assignee,omitempty"`
	ClientName string `json:"client_name,omitempty"`
}

type TaskList struct {
	Title string `json:"title,omitempty"`
	Items []Task `json:"items"`
}

type UserEntry struct {
	Name       string `json:"name"`
	Role       string `json:"role"`
	LastAccess string `json:"last_access,omitempty"`
}

type UserList struct {
	Title string      `json:"title,omitempty"`
	Items []UserEntry `json:"items"`
}

type AccessEntry struct {
	Name          string `json:"name"`
	TotalAccesses *int   `json:"total_accesses"`
	LastAccess    string `json:"last_access,omitempty"`
}

type AccessList struct {
	Title string        `json:"title,omitempty"`
	Items []AccessEntry `json:"items"`
}

type Report struct {
	Title string `json:"title"`
	Value Flex   `json:"value"`
	Trend string `json:"trend,omitempty"`
	Icon  string `json:"icon,omitempty"`
}

type ChartType string

const (
	ChartBar  ChartType = "bar"
	ChartLine ChartType = "line"
	ChartPie  ChartType = "pie"
)

type Series struct {
	Key   string `json:"key"`
	Name  string `json:"name,omitempty"`
	Color string `json:"color,omitempty"`
}

type Chart struct {
	Title     string           `json:"title"`
	ChartType ChartType        `json:"chartType"`
	XAxis     string           `json:"xAxis"`
	Series    []Series         `json:"series"`
	Data      []map[string]any `json:"data"`
}

type Image struct {
	URL     string `json:"url"`
	Caption string `json:"caption,omitempty"`
}

type ImageGrid struct {
	Title string  `json:"title"`
	Items []Image `json:"items"`
}

type Proposal struct {
	ID              Flex   `json:"id"`
	CompanyName     string `json:"company_name"`
	ResponsibleName string `json:"responsible_name"`
	SetupFee        Flex   `json:"setup_fee"`
	MonthlyFee      Flex   `json:"monthly_fee"`
	Slug            string `json:"slug,omitempty"`
}

type ProposalList struct {
	Title string     `json:"title,omitempty"`
	Items []Proposal `json:"items"`
}

type Project struct {
	ID          Flex   `json:"id"`
	Name        string `json:"name,omitempty"`
	Title       string `json:"title,omitempty"`
	ClientName  string `json:"client_name,omitempty"`
	CompanyName string `json:"company_name,omitempty"`
	Status      string `json:"status,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
}

// DisplayName is name, falling back to title.
func (p Project) DisplayName() string { return firstNonEmpty(p.Name, p.Title) }

// Client is client_name, falling back to company_name.
func (p Project) Client() string { return firstNonEmpty(p.ClientName, p.CompanyName) }

type ProjectList struct {
	Title string    `json:"title,omitempty"`
	Items []Project `json:"items"`
}

type Client struct {
	CompanyName     string `json:"company_name,omitempty"`
	Name            string `json:"name,omitempty"`
	ResponsibleName string `json:"responsible_name,omitempty"`
	HasTraffic      bool   `json:"has_traffic,omitempty"`
	HasWebsite      bool   `json:"has_website,omitempty"`
	HasLandingPage  bool   `json:"has_landing_page,omitempty"`
}

// DisplayName is company_name, falling back to name.
func (c Client) DisplayName() string { return firstNonEmpty(c.CompanyName, c.Name) }

type ClientList struct {
	Title string   `json:"title,omitempty"`
	Items []Client `json:"items"`
}

// Unknown is any parsed block that is not a valid recognized widget: an
// absent or unrecognized type, or a recognized type whose payload does not
// have the expected shape (Err is set then). The renderer picks a fallback.
type Unknown struct {
	RawType string
	Payload json.RawMessage
	Err     error
}

func (*TaskList) Type() WidgetType     { return TypeTaskList }
func (*UserList) Type() WidgetType     { return TypeUserList }
func (*AccessList) Type() WidgetType   { return TypeAccessList }
func (*Report) Type() WidgetType       { return TypeReport }
func (*Chart) Type() WidgetType        { return TypeChart }
func (*ImageGrid) Type() WidgetType    { return TypeImageGrid }
func (*ProposalList) Type() WidgetType { return TypeProposalList }
func (*ProjectList) Type() WidgetType  { return TypeProjectList }
func (*ClientList) Type() WidgetType   { return TypeClientList }
func (*Unknown) Type() WidgetType      { return TypeUnknown }

func (*TaskList) isWidget()     {}
func (*UserList) isWidget()     {}
func (*AccessList) isWidget()   {}
func (*Report) isWidget()       {}
func (*Chart) isWidget()        {}
func (*ImageGrid) isWidget()    {}
func (*ProposalList) isWidget() {}
func (*ProjectList) isWidget()  {}
func (*ClientList) isWidget()   {}
func (*Unknown) isWidget()      {}

var errNoItems = errors.New("items is required")

func (w *TaskList) validate() error {
	if w.Items == nil {
		return errNoItems
	}
	for i, it := range w.Items {
		if it.ID == "" || it.Title == "" || it.Status == "" {
			return fmt.Errorf("items[%d]: id, title and status are required", i)
		}
	}
	return nil
}

func (w *UserList) validate() error {
	if w.Items == nil {
		return errNoItems
	}
	for i, it := range w.Items {
		if it.Name == "" || it.Role == "" {
			return fmt.Errorf("items[%d]: name and role are required", i)
		}
	}
	return nil
}

func (w *AccessList) validate() error {
	if w.Items == nil {
		return errNoItems
	}
	for i, it := range w.Items {
		if it.Name == "" || it.TotalAccesses == nil {
			return fmt.Errorf("items[%d]: name and total_accesses are required", i)
		}
	}
	return nil
}

func (w *Report) validate() error {
	if w.Title == "" || w.Value == "" {
		return errors.New("title and value are required")
	}
	return nil
}

func (w *Chart) validate() error {
	if w.Title == "" || w.XAxis == "" {
		return errors.New("title and xAxis are required")
	}
	switch w.ChartType {
	case ChartBar, ChartLine, ChartPie:
	default:
		return fmt.Errorf("chartType %q is not one of bar, line, pie", w.ChartType)
	}
	if len(w.Series) == 0 {
		return errors.New("series is required")
	}
	for i, s := range w.Series {
		if s.Key == "" {
			return fmt.Errorf("series[%d]: key is required", i)
		}
	}
	if w.Data == nil {
		return errors.New("data is required")
	}
	return nil
}

func (w *ImageGrid) validate() error {
	if w.Title == "" {
		return errors.New("title is required")
	}
	if w.Items == nil {
		return errNoItems
	}
	for i, it := range w.Items {
		if it.URL == "" {
			return fmt.Errorf("items[%d]: url is required", i)
		}
	}
	return nil
}

func (w *ProposalList) validate() error {
	if w.Items == nil {
		return errNoItems
	}
	for i, it := range w.Items {
		if it.ID == "" || it.CompanyName == "" || it.ResponsibleName == "" || it.SetupFee == "" || it.MonthlyFee == "" {
			return fmt.Errorf("items[%d]: id, company_name, responsible_name, setup_fee and monthly_fee are required", i)
		}
	}
	return nil
}

func (w *ProjectList) validate() error {
	if w.Items == nil {
		return errNoItems
	}
	for i, it := range w.Items {
		if it.ID == "" || it.DisplayName() == "" || it.Client() == "" {
			return fmt.Errorf("items[%d]: id, name|title and client_name|company_name are required", i)
		}
	}
	return nil
}

func (w *ClientList) validate() error {
	if w.Items == nil {
		return errNoItems
	}
	for i, it := range w.Items {
		if it.DisplayName() == "" {
			return fmt.Errorf("items[%d]: company_name|name is required", i)
		}
	}
	return nil
}

func (w *Unknown) validate() error { return w.Err }

func newVariant(t WidgetType) Widget {
	switch t {
	case TypeTaskList:
		return &TaskList{}
	case TypeUserList:
		return &UserList{}
	case TypeAccessList:
		return &AccessList{}
	case TypeReport:
		return &Report{}
	case TypeChart:
		return &Chart{}
	case TypeImageGrid:
		return &ImageGrid{}
	case TypeProposalList:
		return &ProposalList{}
	case TypeProjectList:
		return &ProjectList{}
	case TypeClientList:
		return &ClientList{}
	}
	return nil
}

// decodeVariant maps an already valid JSON payload onto its widget variant.
func decodeVariant(payload json.RawMessage) Widget {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return &Unknown{Payload: payload, Err: fmt.Errorf("payload is not an object: %w", err)}
	}
	w := newVariant(WidgetType(head.Type))
	if w == nil {
		return &Unknown{RawType: head.Type, Payload: payload}
	}
	if err := json.Unmarshal(payload, w); err != nil {
		return &Unknown{RawType: head.Type, Payload: payload, Err: fmt.Errorf("%s: %w", head.Type, err)}
	}
	if err := w.validate(); err != nil {
		return &Unknown{RawType: head.Type, Payload: payload, Err: fmt.Errorf("%s: %w", head.Type, err)}
	}
	return w
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
