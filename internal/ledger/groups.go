package ledger

import (
	"context"
	"fmt"
	"net/url"
)

// Member roles
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Member is a user in a group
type Member struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// Group scopes invoices
type Group struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Members []Member `json:"members,omitempty"`
}

func groupPath(id string) string {
	return "/api/group/" + url.PathEscape(id)
}

// ListGroups returns the groups the user belongs to
func (c *Client) ListGroups(ctx context.Context) ([]Group, error) {
	out := make([]Group, 0)
	if err := c.do(ctx, request{method: "GET", path: "/api/group"}, &out); err != nil {
		return nil, fmt.Errorf("listing groups: %w", err)
	}
	return out, nil
}

// GetGroup returns one group with its members
func (c *Client) GetGroup(ctx context.Context, id string) (*Group, error) {
	var out Group
	if err := c.do(ctx, request{method: "GET", path: groupPath(id)}, &out); err != nil {
		return nil, fmt.Errorf("getting group: %w", err)
	}
	return &out, nil
}

// CreateGroup creates a group owned by the caller
func (c *Client) CreateGroup(ctx context.Context, name string) (*Group, error) {
	var out Group
	err := c.do(ctx, request{
		method: "POST",
		path:   "/api/group",
		body:   jsonBody(map[string]string{"name": name}),
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("creating group: %w", err)
	}
	return &out, nil
}

// RenameGroup changes a group's name
func (c *Client) RenameGroup(ctx context.Context, id, name string) error {
	err := c.do(ctx, request{
		method: "PUT",
		path:   groupPath(id),
		body:   jsonBody(map[string]string{"name": name}),
	}, nil)
	if err != nil {
		return fmt.Errorf("renaming group: %w", err)
	}
	return nil
}

// DeleteGroup removes a group
func (c *Client) DeleteGroup(ctx context.Context, id string) error {
	if err := c.do(ctx, request{method: "DELETE", path: groupPath(id)}, nil); err != nil {
		return fmt.Errorf("deleting group: %w", err)
	}
	return nil
}

// AddMember adds a user to a group with a role
func (c *Client) AddMember(ctx context.Context, groupID, username, role string) error {
	err := c.do(ctx, request{
		method: "POST",
		path:   groupPath(groupID) + "/member",
		body:   jsonBody(map[string]string{"username": username, "role": role}),
	}, nil)
	if err != nil {
		return fmt.Errorf("adding member: %w", err)
	}
	return nil
}

// RemoveMember removes a user from a group
func (c *Client) RemoveMember(ctx context.Context, groupID, userID string) error {
	err := c.do(ctx, request{method: "DELETE", path: groupPath(groupID) + "/member/" + url.PathEscape(userID)}, nil)
	if err != nil {
		return fmt.Errorf("removing member: %w", err)
	}
	return nil
}

// UpdateMemberRole changes a member's role
func (c *Client) UpdateMemberRole(ctx context.Context, groupID, userID, role string) error {
	err := c.do(ctx, request{
		method: "PUT",
		path:   groupPath(groupID) + "/member/" + url.PathEscape(userID),
		body:   jsonBody(map[string]string{"role": role}),
	}, nil)
	if err != nil {
		return fmt.Errorf("updating member role: %w", err)
	}
	return nil
}
