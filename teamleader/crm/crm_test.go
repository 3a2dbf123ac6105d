package crm

import (
	"context"
	"net/http"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/MCore-Services-bv/teamleader-go/teamleader"
)

type fakeDispatcher struct {
	method string
	path   string
	params interface{}
	body   []byte
	err    error
}

// Dispatch implements Dispatcher.
func (d *fakeDispatcher) Dispatch(ctx context.Context, method, path string, params interface{}) (*teamleader.Response, error) {
	d.method = method
	d.path = path
	d.params = params
	if d.err != nil {
		return nil, d.err
	}
	return &teamleader.Response{
		StatusCode: http.StatusOK,
		Body:       d.body,
	}, nil
}

func TestCompaniesList(t *testing.T) {
	t.Parallel()
	dispatcher := &fakeDispatcher{
		body: []byte(`{"data":[{"id":"c1","name":"ACME"},{"id":"c2","name":"Globex"}]}`),
	}
	companies := NewCompanies(dispatcher)

	list, err := companies.List(context.Background(), Page{Size: 20, Number: 2})
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "ACME", list[0].Name)
	require.Equal(t, http.MethodGet, dispatcher.method)
	require.Equal(t, "companies.list", dispatcher.path)
	require.Equal(t, Page{Size: 20, Number: 2}, dispatcher.params)
}

func TestCompaniesInfo(t *testing.T) {
	t.Parallel()
	dispatcher := &fakeDispatcher{
		body: []byte(`{"data":{"id":"c1","name":"ACME","vat_number":"BE0123456789"}}`),
	}
	companies := NewCompanies(dispatcher)

	company, err := companies.Info(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, "ACME", company.Name)
	require.Equal(t, "BE0123456789", company.VATNumber)
	require.Equal(t, "companies.info", dispatcher.path)
	require.Equal(t, infoQuery{ID: "c1"}, dispatcher.params)

	_, err = companies.Info(context.Background(), "")
	require.True(t, trace.IsBadParameter(err))
}

func TestCompaniesAdd(t *testing.T) {
	t.Parallel()
	dispatcher := &fakeDispatcher{
		body: []byte(`{"data":{"type":"company","id":"new-company"}}`),
	}
	companies := NewCompanies(dispatcher)

	ref, err := companies.Add(context.Background(), AddCompanyRequest{Name: "ACME"})
	require.NoError(t, err)
	require.Equal(t, "new-company", ref.ID)
	require.Equal(t, http.MethodPost, dispatcher.method)
	require.Equal(t, "companies.add", dispatcher.path)

	_, err = companies.Add(context.Background(), AddCompanyRequest{})
	require.True(t, trace.IsBadParameter(err))
}

func TestContacts(t *testing.T) {
	t.Parallel()
	dispatcher := &fakeDispatcher{
		body: []byte(`{"data":[{"id":"p1","first_name":"Jo","last_name":"Doe"}]}`),
	}
	contacts := NewContacts(dispatcher)

	list, err := contacts.List(context.Background(), Page{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "Doe", list[0].LastName)
	require.Equal(t, "contacts.list", dispatcher.path)

	dispatcher.body = []byte(`{"data":{"id":"p1","first_name":"Jo","last_name":"Doe"}}`)
	contact, err := contacts.Info(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, "Jo", contact.FirstName)

	dispatcher.body = []byte(`{"data":{"type":"contact","id":"new-contact"}}`)
	ref, err := contacts.Add(context.Background(), AddContactRequest{LastName: "Doe"})
	require.NoError(t, err)
	require.Equal(t, "new-contact", ref.ID)

	_, err = contacts.Add(context.Background(), AddContactRequest{})
	require.True(t, trace.IsBadParameter(err))
}

func TestDispatchErrorPropagates(t *testing.T) {
	t.Parallel()
	dispatcher := &fakeDispatcher{err: trace.ConnectionProblem(nil, "api is down")}
	companies := NewCompanies(dispatcher)

	_, err := companies.List(context.Background(), Page{})
	require.Error(t, err)
	require.True(t, trace.IsConnectionProblem(err))
}
