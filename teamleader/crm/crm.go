// Package crm wraps the CRM resources of the Teamleader Focus API.
//
// Services in this package speak only to the Dispatcher; token refresh,
// throttling and retries happen below them.
package crm

import (
	"context"
	"net/http"

	"github.com/gravitational/trace"

	"github.com/MCore-Services-bv/teamleader-go/teamleader"
)

// Dispatcher sends one API call through the client policy chain.
type Dispatcher interface {
	Dispatch(ctx context.Context, method, path string, params interface{}) (*teamleader.Response, error)
}

// Page selects a page of a list resource.
type Page struct {
	Size   int `url:"page[size],omitempty" json:"-"`
	Number int `url:"page[number],omitempty" json:"-"`
}

type infoQuery struct {
	ID string `url:"id"`
}

// Ref identifies a newly created resource.
type Ref struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Companies exposes the companies resource.
type Companies struct {
	dispatcher Dispatcher
}

func NewCompanies(dispatcher Dispatcher) *Companies {
	return &Companies{dispatcher: dispatcher}
}

// Company is the subset of company fields this package reads back.
type Company struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	BusinessType string   `json:"business_type,omitempty"`
	VATNumber    string   `json:"vat_number,omitempty"`
	Emails       []Email  `json:"emails,omitempty"`
	Website      string   `json:"website,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

// Email is a typed email address as the API represents it.
type Email struct {
	Type  string `json:"type"`
	Email string `json:"email"`
}

// AddCompanyRequest creates a company. Name is the only required field.
type AddCompanyRequest struct {
	Name      string   `json:"name"`
	VATNumber string   `json:"vat_number,omitempty"`
	Emails    []Email  `json:"emails,omitempty"`
	Website   string   `json:"website,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

// List returns one page of companies.
func (s *Companies) List(ctx context.Context, page Page) ([]Company, error) {
	var result struct {
		Data []Company `json:"data"`
	}
	if err := dispatch(ctx, s.dispatcher, http.MethodGet, "companies.list", page, &result); err != nil {
		return nil, trace.Wrap(err)
	}
	return result.Data, nil
}

// Info returns one company by id.
func (s *Companies) Info(ctx context.Context, id string) (*Company, error) {
	if id == "" {
		return nil, trace.BadParameter("company id is required")
	}
	var result struct {
		Data Company `json:"data"`
	}
	if err := dispatch(ctx, s.dispatcher, http.MethodGet, "companies.info", infoQuery{ID: id}, &result); err != nil {
		return nil, trace.Wrap(err)
	}
	return &result.Data, nil
}

// Add creates a company and returns a reference to it.
func (s *Companies) Add(ctx context.Context, req AddCompanyRequest) (*Ref, error) {
	if req.Name == "" {
		return nil, trace.BadParameter("company name is required")
	}
	var result struct {
		Data Ref `json:"data"`
	}
	if err := dispatch(ctx, s.dispatcher, http.MethodPost, "companies.add", req, &result); err != nil {
		return nil, trace.Wrap(err)
	}
	return &result.Data, nil
}

// Contacts exposes the contacts resource.
type Contacts struct {
	dispatcher Dispatcher
}

func NewContacts(dispatcher Dispatcher) *Contacts {
	return &Contacts{dispatcher: dispatcher}
}

// Contact is the subset of contact fields this package reads back.
type Contact struct {
	ID        string   `json:"id"`
	FirstName string   `json:"first_name"`
	LastName  string   `json:"last_name"`
	Emails    []Email  `json:"emails,omitempty"`
	Telephone string   `json:"telephone,omitempty"`
	Language  string   `json:"language,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

// AddContactRequest creates a contact. LastName is the only required field.
type AddContactRequest struct {
	FirstName string   `json:"first_name,omitempty"`
	LastName  string   `json:"last_name"`
	Emails    []Email  `json:"emails,omitempty"`
	Language  string   `json:"language,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

// List returns one page of contacts.
func (s *Contacts) List(ctx context.Context, page Page) ([]Contact, error) {
	var result struct {
		Data []Contact `json:"data"`
	}
	if err := dispatch(ctx, s.dispatcher, http.MethodGet, "contacts.list", page, &result); err != nil {
		return nil, trace.Wrap(err)
	}
	return result.Data, nil
}

// Info returns one contact by id.
func (s *Contacts) Info(ctx context.Context, id string) (*Contact, error) {
	if id == "" {
		return nil, trace.BadParameter("contact id is required")
	}
	var result struct {
		Data Contact `json:"data"`
	}
	if err := dispatch(ctx, s.dispatcher, http.MethodGet, "contacts.info", infoQuery{ID: id}, &result); err != nil {
		return nil, trace.Wrap(err)
	}
	return &result.Data, nil
}

// Add creates a contact and returns a reference to it.
func (s *Contacts) Add(ctx context.Context, req AddContactRequest) (*Ref, error) {
	if req.LastName == "" {
		return nil, trace.BadParameter("contact last name is required")
	}
	var result struct {
		Data Ref `json:"data"`
	}
	if err := dispatch(ctx, s.dispatcher, http.MethodPost, "contacts.add", req, &result); err != nil {
		return nil, trace.Wrap(err)
	}
	return &result.Data, nil
}

func dispatch(ctx context.Context, d Dispatcher, method, path string, params, out interface{}) error {
	resp, err := d.Dispatch(ctx, method, path, params)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(resp.Decode(out))
}
