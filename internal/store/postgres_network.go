package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/network-metrics/internal/db"
	"github.com/sells-group/network-metrics/internal/geo"
	"github.com/sells-group/network-metrics/internal/network"
)

var (
	rawNodeCols   = []string{"boundary_id", "node_id", "source", "x", "y"}
	rawEdgeCols   = []string{"boundary_id", "edge_id", "connectors", "class", "flags", "source", "geom"}
	cleanEdgeCols = []string{"boundary_id", "edge_id", "start_node", "end_node", "class", "length", "geom", "minx", "miny", "maxx", "maxy"}
	cleanNodeCols = []string{"boundary_id", "node_id", "owner_boundary_id", "source", "x", "y"}
)

func (s *PostgresStore) ReplaceRaw(ctx context.Context, boundaryID int64, nodes []network.RawNode, edges []network.RawEdge) error {
	nodeRows := make([][]any, 0, len(nodes))
	for _, n := range nodes {
		nodeRows = append(nodeRows, []any{boundaryID, n.ID, n.Source, n.X, n.Y})
	}
	edgeRows := make([][]any, 0, len(edges))
	for _, e := range edges {
		eg, err := encodeGeom(e.Geom, s.srid)
		if err != nil {
			return eris.Wrapf(err, "postgres: encode raw edge %s", e.ID)
		}
		flags := e.Flags
		if flags == nil {
			flags = []string{}
		}
		edgeRows = append(edgeRows, []any{boundaryID, e.ID, e.Connectors, e.Class, flags, e.Source, eg.wkb})
	}

	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := db.ReplaceScoped(ctx, tx, "overture", "raw_nodes", "boundary_id = $1", []any{boundaryID}, rawNodeCols, nodeRows); err != nil {
			return err
		}
		_, err := db.ReplaceScoped(ctx, tx, "overture", "raw_edges", "boundary_id = $1", []any{boundaryID}, rawEdgeCols, edgeRows)
		return err
	})
}

func (s *PostgresStore) RawNetwork(ctx context.Context, boundaryID int64) ([]network.RawNode, []network.RawEdge, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT node_id, source, x, y FROM overture.raw_nodes WHERE boundary_id = $1 ORDER BY node_id`, boundaryID)
	if err != nil {
		return nil, nil, eris.Wrap(err, "postgres: query raw nodes")
	}
	var nodes []network.RawNode
	for rows.Next() {
		var n network.RawNode
		if err := rows.Scan(&n.ID, &n.Source, &n.X, &n.Y); err != nil {
			rows.Close()
			return nil, nil, eris.Wrap(err, "postgres: scan raw node")
		}
		nodes = append(nodes, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, eris.Wrap(err, "postgres: iterate raw nodes")
	}

	rows, err = s.pool.Query(ctx,
		`SELECT edge_id, connectors, class, flags, source, geom FROM overture.raw_edges
		WHERE boundary_id = $1 ORDER BY edge_id`, boundaryID)
	if err != nil {
		return nil, nil, eris.Wrap(err, "postgres: query raw edges")
	}
	defer rows.Close()

	var edges []network.RawEdge
	for rows.Next() {
		var (
			e    network.RawEdge
			data []byte
		)
		if err := rows.Scan(&e.ID, &e.Connectors, &e.Class, &e.Flags, &e.Source, &data); err != nil {
			return nil, nil, eris.Wrap(err, "postgres: scan raw edge")
		}
		if e.Geom, err = geo.DecodeLineString(data); err != nil {
			return nil, nil, eris.Wrapf(err, "postgres: raw edge %s", e.ID)
		}
		edges = append(edges, e)
	}
	return nodes, edges, eris.Wrap(rows.Err(), "postgres: iterate raw edges")
}

func (s *PostgresStore) ReplaceCleaned(ctx context.Context, g *network.Graph) error {
	edgeRows := make([][]any, 0, len(g.Edges))
	for _, id := range g.EdgeIDs() {
		e := g.Edges[id]
		eg, err := encodeGeom(e.Geom, s.srid)
		if err != nil {
			return eris.Wrapf(err, "postgres: encode clean edge %s", e.ID)
		}
		edgeRows = append(edgeRows, []any{
			g.BoundaryID, e.ID, e.From, e.To, e.Class, e.Length, eg.wkb,
			eg.env.MinX, eg.env.MinY, eg.env.MaxX, eg.env.MaxY,
		})
	}
	nodeRows := make([][]any, 0, len(g.Nodes))
	for _, id := range g.NodeIDs() {
		n := g.Nodes[id]
		nodeRows = append(nodeRows, []any{g.BoundaryID, n.ID, n.Owner, n.Source, n.X, n.Y})
	}

	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := db.ReplaceScoped(ctx, tx, "overture", "clean_edges", "boundary_id = $1", []any{g.BoundaryID}, cleanEdgeCols, edgeRows); err != nil {
			return err
		}
		_, err := db.ReplaceScoped(ctx, tx, "overture", "clean_nodes", "boundary_id = $1", []any{g.BoundaryID}, cleanNodeCols, nodeRows)
		return err
	})
}

func (s *PostgresStore) CleanedWithin(ctx context.Context, extent string, env geo.Envelope) (*network.Graph, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT e.boundary_id, e.edge_id, e.start_node, e.end_node, e.class, e.length, e.geom
		FROM overture.clean_edges e
		JOIN netmetrics.boundaries b ON b.boundary_id = e.boundary_id
		WHERE b.extent_group = $1 AND e.maxx >= $2 AND e.minx <= $3 AND e.maxy >= $4 AND e.miny <= $5
		ORDER BY e.edge_id`,
		extent, env.MinX, env.MaxX, env.MinY, env.MaxY)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query clean edges")
	}
	var (
		edges   []*network.Edge
		nodeIDs []string
		seen    = make(map[string]bool)
	)
	for rows.Next() {
		var (
			e    network.Edge
			data []byte
		)
		if err := rows.Scan(&e.Owner, &e.ID, &e.From, &e.To, &e.Class, &e.Length, &data); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan clean edge")
		}
		if e.Geom, err = geo.DecodeLineString(data); err != nil {
			rows.Close()
			return nil, eris.Wrapf(err, "postgres: clean edge %s", e.ID)
		}
		edges = append(edges, &e)
		for _, id := range []string{e.From, e.To} {
			if !seen[id] {
				seen[id] = true
				nodeIDs = append(nodeIDs, id)
			}
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate clean edges")
	}

	g := network.NewGraph(0)
	if len(edges) == 0 {
		return g, nil
	}

	rows, err = s.pool.Query(ctx,
		`SELECT DISTINCT ON (n.node_id) n.node_id, n.owner_boundary_id, n.source, n.x, n.y
		FROM overture.clean_nodes n
		JOIN netmetrics.boundaries b ON b.boundary_id = n.boundary_id
		WHERE b.extent_group = $1 AND n.node_id = ANY($2)
		ORDER BY n.node_id, n.boundary_id`,
		extent, nodeIDs)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query clean nodes")
	}
	defer rows.Close()
	for rows.Next() {
		var n network.Node
		if err := rows.Scan(&n.ID, &n.Owner, &n.Source, &n.X, &n.Y); err != nil {
			return nil, eris.Wrap(err, "postgres: scan clean node")
		}
		g.AddNode(&n)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate clean nodes")
	}

	for _, e := range edges {
		if err := g.AddEdge(e); err != nil {
			return nil, eris.Wrap(err, "postgres: assemble cleaned graph")
		}
	}
	return g, nil
}
