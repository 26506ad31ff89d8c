package githubclt

import (
	"context"

	"github.com/shurcooL/githubv4"
)

// PRParticipants returns the logins of everybody involved in the pull
// request (author, commenters, reviewers). Used for notification
// fan-out.
func (clt *Client) PRParticipants(ctx context.Context, owner, repo string, prNumber int) ([]string, error) {
	var query struct {
		Repository struct {
			PullRequest struct {
				Participants struct {
					Nodes []struct {
						Login githubv4.String
					}
				} `graphql:"participants(first: 50)"`
			} `graphql:"pullRequest(number: $prNumber)"`
		} `graphql:"repository(owner: $owner, name: $repo)"`
	}

	variables := map[string]any{
		"owner":    githubv4.String(owner),
		"repo":     githubv4.String(repo),
		"prNumber": githubv4.Int(prNumber),
	}

	if err := clt.graphQLClt.Query(ctx, &query, variables); err != nil {
		return nil, err
	}

	result := make([]string, 0, len(query.Repository.PullRequest.Participants.Nodes))
	for _, node := range query.Repository.PullRequest.Participants.Nodes {
		result = append(result, string(node.Login))
	}

	return result, nil
}
